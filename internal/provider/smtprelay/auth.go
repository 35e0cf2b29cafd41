package smtprelay

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

type loginAuth struct {
	username string
	password string
}

// LoginAuth returns an smtp.Auth implementing the LOGIN mechanism, which
// net/smtp does not ship and SendGrid expects.
func LoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username: username, password: password}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !advertises(server.Auth, "LOGIN") && len(server.Auth) > 0 {
		return "", nil, errors.New("smtp relay: server does not support AUTH LOGIN")
	}
	return "LOGIN", nil, nil
}

// Next answers the Username and Password challenges. net/smtp has already
// base64-decoded the server prompt.
func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	prompt := strings.ToLower(strings.TrimSpace(string(fromServer)))
	switch {
	case strings.HasPrefix(prompt, "username"):
		return []byte(a.username), nil
	case strings.HasPrefix(prompt, "password"):
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("smtp relay: unexpected AUTH LOGIN challenge %q", fromServer)
	}
}

func advertises(mechanisms []string, want string) bool {
	for _, m := range mechanisms {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}

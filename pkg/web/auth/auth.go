// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package auth implements HTTP basic authentication
// against the bcrypt hashed users in env.yaml.
package auth

import (
	"camrec/pkg/log"
	"camrec/pkg/storage"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// ValidateResponse ValidateRequest response.
type ValidateResponse struct {
	IsValid  bool
	Username string
}

// Authenticator is responsible for blocking all unauthenticated requests.
type Authenticator struct {
	accounts  map[string][]byte // Username to hashed password.
	authCache map[string]ValidateResponse

	hashCost int

	logger *log.Logger
	mu     sync.Mutex
}

// ErrUsernameMissing missing username.
var ErrUsernameMissing = errors.New("missing username")

// NewBasic creates a basic authenticator. Authentication
// is disabled if there are no users.
func NewBasic(users []storage.User, logger *log.Logger) (*Authenticator, error) {
	a := &Authenticator{
		accounts:  make(map[string][]byte),
		authCache: make(map[string]ValidateResponse),
		hashCost:  DefaultBcryptHashCost,
		logger:    logger,
	}
	for _, u := range users {
		if u.Name == "" {
			return nil, ErrUsernameMissing
		}
		if _, err := bcrypt.Cost([]byte(u.Password)); err != nil {
			return nil, fmt.Errorf("user %v: invalid password hash: %w", u.Name, err)
		}
		a.accounts[u.Name] = []byte(u.Password)
	}
	if a.AuthDisabled() {
		logger.Warn().Src("auth").Msg("no users configured, authentication disabled")
	}
	return a, nil
}

// AuthDisabled if all requests should be allowed.
func (a *Authenticator) AuthDisabled() bool {
	return len(a.accounts) == 0
}

// ValidateRequest Should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Authenticator) ValidateRequest(r *http.Request) ValidateResponse {
	if a.AuthDisabled() {
		return ValidateResponse{IsValid: true}
	}
	req := r.Header.Get("Authorization")

	a.mu.Lock()
	if res, cacheExist := a.authCache[req]; cacheExist {
		a.mu.Unlock()
		return res
	}
	a.mu.Unlock()

	name, pass := parseBasicAuth(req)
	hash, found := a.accounts[name]

	res := ValidateResponse{}
	if !found {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if passwordsMatch(hash, pass) {
		res = ValidateResponse{IsValid: true, Username: name}
	}

	a.mu.Lock()
	a.authCache[req] = res
	a.mu.Unlock()
	return res
}

// Modified from net/http.
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

func passwordsMatch(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// User blocks unauthorized requests and prompts for login.
func (a *Authenticator) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid {
			if r.Header.Get("Authorization") != "" {
				username, _ := parseBasicAuth(r.Header.Get("Authorization"))
				LogFailedLogin(a.logger, r, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="camrec"`)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogFailedLogin finds and logs the ip.
func LogFailedLogin(logger *log.Logger, r *http.Request, username string) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	logger.Info().Src("auth").Msgf("failed login: username: %v %v", username, ip)
}

// HashPassword returns the bcrypt hash for a env.yaml user.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), DefaultBcryptHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

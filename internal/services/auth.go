package services

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the caller identified by an access token.
type Principal struct {
	UserID string
	Email  string
	Roles  []string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// TokenService verifies access tokens issued by the identity provider and
// mints them for tooling and tests.
type TokenService struct {
	Secret    []byte
	Issuer    string
	AccessTTL time.Duration
}

func (t TokenService) CreateAccessToken(userID, email string, roles []string) (string, int64, error) {
	now := time.Now().UTC()
	exp := now.Add(t.AccessTTL)
	claims := jwt.MapClaims{
		"iss":   t.Issuer,
		"sub":   userID,
		"typ":   "access",
		"email": email,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.Secret)
	return signed, exp.Unix(), err
}

func (t TokenService) ParseToken(tokenStr string) (*jwt.Token, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return t.Secret, nil
	}, jwt.WithIssuer(t.Issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return token, claims, err
}

var errInvalidToken = errors.New("invalid access token")

// Authenticate parses an access token into the caller principal.
func (t TokenService) Authenticate(tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, errInvalidToken
	}
	token, claims, err := t.ParseToken(tokenStr)
	if err != nil || !token.Valid || claims["typ"] != "access" {
		return Principal{}, errInvalidToken
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return Principal{}, errInvalidToken
	}
	email, _ := claims["email"].(string)
	roles := []string{}
	if rawRoles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return Principal{UserID: userID, Email: email, Roles: roles}, nil
}

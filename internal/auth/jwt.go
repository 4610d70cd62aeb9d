package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of an API token in jwt mode.
type Claims struct {
	Project string `json:"project"`
	jwt.RegisteredClaims
}

// JWT accepts HS256 tokens whose project claim matches the project id.
type JWT struct {
	secret []byte
	now    func() time.Time
}

func NewJWT(secret string) JWT {
	return JWT{secret: []byte(secret), now: time.Now}
}

func (v JWT) Authenticate(projectID, token string) error {
	if len(v.secret) == 0 || token == "" {
		return ErrInvalidCredentials
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidCredentials
	}
	if claims.Project == "" || claims.Project != projectID {
		return ErrInvalidCredentials
	}
	return nil
}

// Sign issues a token for projectID valid for ttl.
func (v JWT) Sign(projectID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Project: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

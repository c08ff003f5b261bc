package auth

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalid  = errors.New("invalid token")
	ErrNoSecret = errors.New("jwt signing secret not configured")
)

// RoleOperator may settle periods, change governance and record claims.
const RoleOperator = "operator"

type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

var (
	mu       sync.RWMutex
	override []byte
)

// SetSecret replaces the signing secret; an empty value falls back to
// JWT_SECRET. With neither set no token can be issued or accepted.
func SetSecret(s string) {
	mu.Lock()
	defer mu.Unlock()
	override = []byte(s)
}

func secret() []byte {
	mu.RLock()
	s := override
	mu.RUnlock()
	if len(s) > 0 {
		return s
	}
	return []byte(os.Getenv("JWT_SECRET"))
}

// Configured reports whether a signing secret is available.
func Configured() bool { return len(secret()) > 0 }

func Generate(operator, role string, ttl time.Duration) (string, error) {
	key := secret()
	if len(key) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

func Parse(tokenStr string) (*Claims, error) {
	key := secret()
	if len(key) == 0 {
		return nil, ErrInvalid
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}

// HashPassword returns the bcrypt hash stored in the operator config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

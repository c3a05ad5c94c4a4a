package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT claims for an authenticated player session.
type Claims struct {
	PlayerRef  gamedb.DBRef `json:"player_ref"`
	PlayerName string       `json:"player_name"`
	Account    string       `json:"account"`
	Operator   bool         `json:"operator,omitempty"`
	jwt.RegisteredClaims
}

// AuthService provides JWT-based authentication bound to player identity.
type AuthService struct {
	game   *Game
	jwtKey []byte
	expiry time.Duration
}

// NewAuthService creates an auth service. If jwtSecret is empty, a random
// 32-byte key is generated.
func NewAuthService(game *Game, jwtSecret string, expirySeconds int) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := 24 * time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	return &AuthService{
		game:   game,
		jwtKey: key,
		expiry: expiry,
	}
}

// Login authenticates an account and returns a JWT for its player.
func (a *AuthService) Login(name, password string) (string, error) {
	acct, err := a.game.Authenticate(name, password)
	if err != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	return a.Issue(acct)
}

// Issue signs a token for an already authenticated account.
func (a *AuthService) Issue(acct *gamedb.Account) (string, error) {
	now := time.Now()
	claims := Claims{
		PlayerRef:  acct.Player,
		PlayerName: a.game.PlayerName(acct.Player),
		Account:    acct.Name,
		Operator:   acct.Operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("#%d", acct.Player),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "gotinymud",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a JWT token string.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Renew re-signs verified claims with a fresh expiry.
func (a *AuthService) Renew(claims *Claims) (string, error) {
	if claims == nil {
		return "", errBadToken
	}
	renewed := *claims
	now := time.Now()
	renewed.IssuedAt = jwt.NewNumericDate(now)
	renewed.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, renewed).SignedString(a.jwtKey)
}

// GenerateJWTSecret generates a random hex-encoded secret suitable for jwt_secret config.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

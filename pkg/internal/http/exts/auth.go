package exts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// AccessClaims is the access token issued by the identity provider.
// Only the subject is trusted here, it carries the account id.
type AccessClaims struct {
	jwt.RegisteredClaims
}

func (v AccessClaims) UserID() (uint, error) {
	id, err := strconv.ParseUint(v.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid subject %q", v.Subject)
	}
	return uint(id), nil
}

func CreateAccessToken(userId uint, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userId), 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	tks, err := token.SignedString([]byte(viper.GetString("security.access_token_secret")))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}
	return tks, nil
}

func ParseAccessToken(tk string) (AccessClaims, error) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(tk, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method)
		}
		return []byte(viper.GetString("security.access_token_secret")), nil
	})
	if err != nil {
		return claims, err
	}
	if !token.Valid {
		return claims, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// tokenFromRequest reads the bearer header, browsers cannot set headers on
// websocket upgrades so the tk query is accepted too.
func tokenFromRequest(c *fiber.Ctx) string {
	if tk, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "); ok {
		return strings.TrimSpace(tk)
	}
	return c.Query("tk")
}

// AuthMiddleware stores the caller id in the "user" local when a valid
// token is present. Anonymous requests pass through, handlers decide.
func AuthMiddleware(c *fiber.Ctx) error {
	tk := tokenFromRequest(c)
	if len(tk) == 0 {
		return c.Next()
	}

	claims, err := ParseAccessToken(tk)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, fmt.Sprintf("invalid access token: %v", err))
	}
	id, err := claims.UserID()
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals("user", id)
	return c.Next()
}

func EnsureAuthenticated(c *fiber.Ctx) error {
	if _, ok := c.Locals("user").(uint); !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
	}
	return nil
}

func GetUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("user").(uint)
	return id
}

package cloud

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ndi.dev/core/ndierr"
)

// Clock is injected so token-expiry tests can freeze wall time.
var Clock = time.Now

// DecodeJWT base64url-decodes a token's claims segment without verifying
// the signature. The archive API is the issuer and the only consumer of the
// signature; the client only needs to read the claims.
func DecodeJWT(token string) (map[string]any, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, ndierr.Wrap(ndierr.AuthError, "malformed token", err)
	}
	return claims, nil
}

// VerifyToken checks only the exp claim against the current wall time. A
// token without exp is treated as invalid.
func VerifyToken(token string) error {
	claims, err := DecodeJWT(token)
	if err != nil {
		return err
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return ndierr.New(ndierr.AuthError, "token carries no expiry")
	}
	if Clock().After(time.Unix(int64(exp), 0)) {
		return ndierr.New(ndierr.AuthError, "token expired")
	}
	return nil
}

// Login POSTs the config's credentials, stores the returned token and
// organization id on the client's config, and returns that updated config.
func (c *Client) Login() (*Config, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return nil, ndierr.New(ndierr.AuthError, "username and password are required to log in")
	}
	raw, err := c.Post("/auth/login", nil, nil, map[string]string{
		"email":    c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	data, ok := raw.(map[string]any)
	if !ok {
		return nil, ndierr.New(ndierr.AuthError, "unexpected login response shape")
	}
	token, _ := data["token"].(string)
	if token == "" {
		return nil, ndierr.New(ndierr.AuthError, "login response carries no token")
	}
	c.cfg.Token = token
	if c.cfg.OrganizationID == "" {
		if user, ok := data["user"].(map[string]any); ok {
			if orgs, ok := user["organizations"].([]any); ok && len(orgs) > 0 {
				if org, ok := orgs[0].(map[string]any); ok {
					c.cfg.OrganizationID, _ = org["id"].(string)
				}
			}
		}
	}
	return c.cfg, nil
}

// Logout invalidates the server-side session and clears the local token.
func (c *Client) Logout() error {
	_, err := c.Post("/auth/logout", nil, nil, nil)
	c.cfg.Token = ""
	return err
}

package auth

import (
	"net/http"
	"time"
)

const (
	RefreshTokenCookieName = "refresh_token"
	DeviceTrustCookieName  = "device_trust"
)

// CookieConfig holds cookie configuration settings
type CookieConfig struct {
	Domain   string // Empty string = current host only
	Secure   bool   // HTTPS only
	SameSite string // "strict", "lax", or "none"
}

// SetRefreshTokenCookie sets a refresh token in an httpOnly cookie scoped to the auth routes
func SetRefreshTokenCookie(w http.ResponseWriter, refreshToken string, expiresAt time.Time, config CookieConfig) {
	setCookie(w, RefreshTokenCookieName, refreshToken, "/auth", expiresAt, config)
}

// SetDeviceTrustCookie sets the device trust token in an httpOnly cookie
func SetDeviceTrustCookie(w http.ResponseWriter, token string, expiresAt time.Time, config CookieConfig) {
	setCookie(w, DeviceTrustCookieName, token, "/auth", expiresAt, config)
}

// ClearRefreshTokenCookie clears the refresh token cookie
func ClearRefreshTokenCookie(w http.ResponseWriter, config CookieConfig) {
	clearCookie(w, RefreshTokenCookieName, "/auth", config)
}

// ClearDeviceTrustCookie clears the device trust cookie
func ClearDeviceTrustCookie(w http.ResponseWriter, config CookieConfig) {
	clearCookie(w, DeviceTrustCookieName, "/auth", config)
}

// GetRefreshTokenCookie retrieves the refresh token from cookies
func GetRefreshTokenCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(RefreshTokenCookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// GetDeviceTrustCookie retrieves the device trust token from cookies
func GetDeviceTrustCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(DeviceTrustCookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

func setCookie(w http.ResponseWriter, name, value, path string, expiresAt time.Time, config CookieConfig) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   config.Domain,
		Expires:  expiresAt,
		MaxAge:   maxAge,
		HttpOnly: true, // Critical: prevents JavaScript access (XSS protection)
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

func clearCookie(w http.ResponseWriter, name, path string, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   config.Domain,
		MaxAge:   -1, // Negative MaxAge deletes the cookie
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// parseSameSite converts string to http.SameSite constant
func parseSameSite(sameSite string) http.SameSite {
	switch sameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

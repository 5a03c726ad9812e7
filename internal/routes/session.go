package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// CookieName is the session cookie set by the Fyers auth callback.
const CookieName = "tickerdesk_session"

const sessionMaxAge = 24 * time.Hour

// Session is the content of the session cookie.
type Session struct {
	AuthCode string `json:"auth_code"`
	State    string `json:"state,omitempty"`
	IssuedAt int64  `json:"iat"`
}

// Sessions reads and writes the signed, encrypted session cookie.
type Sessions struct {
	sc     *securecookie.SecureCookie
	secure bool
}

// NewSessions creates a cookie codec. secure marks cookies HTTPS-only.
func NewSessions(hashKey, blockKey []byte, secure bool) *Sessions {
	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	sc.MaxAge(int(sessionMaxAge.Seconds()))
	return &Sessions{sc: sc, secure: secure}
}

// Save writes s to the response.
func (ss *Sessions) Save(w http.ResponseWriter, s Session) error {
	v, err := ss.sc.Encode(CookieName, s)
	if err != nil {
		return err
	}
	http.SetCookie(w, ss.cookie(v, int(sessionMaxAge.Seconds())))
	return nil
}

// Load returns the session carried by r, if any and valid.
func (ss *Sessions) Load(r *http.Request) (Session, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return Session{}, false
	}
	var s Session
	if err := ss.sc.Decode(CookieName, c.Value, &s); err != nil {
		return Session{}, false
	}
	return s, s.AuthCode != ""
}

// Clear expires the session cookie.
func (ss *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, ss.cookie("", -1))
}

func (ss *Sessions) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   ss.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

package intake

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/perti/swim/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// SecretHeader carries the shared secret
const SecretHeader = "X-SWIM-Secret"

// TokenAudience is the audience of intake bearer tokens
const TokenAudience = "swim-intake"

// Claims represents the claims in an intake bearer token
type Claims struct {
	jwt.RegisteredClaims
}

// NewToken returns an HS256 bearer token for a producer, signed with
// the intake secret and valid for ttl
func NewToken(secret, subject string, ttl time.Duration) (string, error) {

	if secret == "" {
		return "", errors.New("no secret")
	}

	iat := time.Now().Add(-time.Second) //ensure immediately usable

	claims := Claims{}
	claims.Subject = subject
	claims.Audience = jwt.ClaimStrings{TokenAudience}
	claims.IssuedAt = jwt.NewNumericDate(iat)
	claims.NotBefore = jwt.NewNumericDate(iat)
	claims.ExpiresAt = jwt.NewNumericDate(iat.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

// ValidateToken checks the signature, timing and audience of a bearer token
func ValidateToken(secret, bearer string) (*Claims, error) {

	claims := &Claims{}

	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid { //checks iat, nbf, exp
		return nil, errors.New("token invalid")
	}

	if !claims.VerifyAudience(TokenAudience, true) {
		return nil, fmt.Errorf("aud %v is not %s", claims.Audience, TokenAudience)
	}

	return claims, nil
}

// isLoopback checks the peer address only; forwarding headers are
// not trusted here
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// allowed reports whether the caller may use the intake, and how it was admitted
func (s *Server) allowed(r *http.Request) (bool, string) {

	if s.config.AllowLoopback && isLoopback(r.RemoteAddr) {
		return true, "loopback"
	}

	if s.config.Secret == "" {
		return false, ""
	}

	if h := r.Header.Get(SecretHeader); h != "" {
		if subtle.ConstantTimeCompare([]byte(h), []byte(s.config.Secret)) == 1 {
			return true, "secret"
		}
		return false, ""
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		claims, err := ValidateToken(s.config.Secret, strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			log.WithFields(log.Fields{"remote_addr": r.RemoteAddr, "error": err.Error()}).Debug("intake token rejected")
			return false, ""
		}
		return true, "token:" + claims.Subject
	}

	return false, ""
}

// allowList rejects callers that are neither loopback nor hold the secret
func (s *Server) allowList(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, how := s.allowed(r)
		if !ok {
			metrics.IntakeRequests.WithLabelValues("forbidden").Inc()
			log.WithFields(log.Fields{"remote_addr": r.RemoteAddr, "path": r.URL.Path}).Warn("intake caller rejected")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		log.WithFields(log.Fields{"remote_addr": r.RemoteAddr, "admitted": how}).Trace("intake caller admitted")
		next(w, r)
	}
}

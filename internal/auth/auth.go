// Package auth validates device bearer tokens and extracts the per-device
// authorization claims (publish/subscribe subject patterns) the rest of the
// gateway relies on.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/gwerrors"
)

// DeviceContext is the authenticated identity and authorization claims for
// one session. It is immutable once issued.
type DeviceContext struct {
	ClientID    string
	Role        string
	PubPatterns []string
	SubPatterns []string
	ExpiresAt   time.Time
}

// CanPublish reports whether subject is allowed by the device's pub claim.
func (d *DeviceContext) CanPublish(matches func(pattern, subject string) bool, subj string) bool {
	for _, p := range d.PubPatterns {
		if matches(p, subj) {
			return true
		}
	}
	return false
}

// CanSubscribe reports whether subject is allowed by the device's subscribe claim.
func (d *DeviceContext) CanSubscribe(matches func(pattern, subject string) bool, subj string) bool {
	for _, p := range d.SubPatterns {
		if matches(p, subj) {
			return true
		}
	}
	return false
}

// Config configures the Validator.
type Config struct {
	Secret        string        `yaml:"secret" json:"secret" validate:"required"`
	Issuer        string        `yaml:"issuer" json:"issuer"`
	Audience      string        `yaml:"audience" json:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew" json:"clockSkew" default:"30s" validate:"gte=0"`
	DefaultExpiry time.Duration `yaml:"defaultExpiry" json:"defaultExpiry" default:"1h" validate:"gt=0"`
}

// Validator verifies HS256-signed bearer tokens against Config and produces
// a DeviceContext on success.
type Validator struct {
	cfg Config
	key []byte
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg, key: []byte(cfg.Secret)}
}

const bearerPrefix = "Bearer "

// TokenFromHeader extracts a bearer token from the raw value of an
// Authorization header, or "" if the header is absent/malformed.
func TokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return ""
}

// Validate parses and verifies tokenString, returning a DeviceContext or a
// *gwerrors.Error with a Kind of KindAuthentication describing the failure.
func (v *Validator) Validate(tokenString string) (*DeviceContext, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, gwerrors.ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, v.keyFunc, jwt.WithLeeway(v.cfg.ClockSkew))
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, gwerrors.ErrMalformedToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gwerrors.ErrMalformedToken
	}

	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, gwerrors.ErrWrongIssuer
		}
	}
	if v.cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		if !containsString(aud, v.cfg.Audience) {
			return nil, gwerrors.ErrWrongAudience
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, gwerrors.ErrExpired
	}
	if time.Now().After(exp.Add(v.cfg.ClockSkew)) {
		return nil, gwerrors.ErrExpired
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, gwerrors.ErrMissingSubject
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = "device"
	}

	return &DeviceContext{
		ClientID:    sub,
		Role:        role,
		PubPatterns: stringList(claims["pub"]),
		SubPatterns: stringList(claims["subscribe"]),
		ExpiresAt:   exp.Time,
	}, nil
}

// Expired reports whether ctx's token has expired, accounting for clock skew.
func (v *Validator) Expired(ctx *DeviceContext) bool {
	return time.Now().After(ctx.ExpiresAt.Add(v.cfg.ClockSkew))
}

func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, gwerrors.ErrBadSignature
	}
	if token.Method.Alg() != "HS256" {
		return nil, gwerrors.ErrBadSignature
	}
	return v.key, nil
}

func classifyParseError(err error) error {
	switch {
	case jwtErrorIs(err, jwt.ErrTokenExpired):
		return gwerrors.ErrExpired
	case jwtErrorIs(err, jwt.ErrTokenSignatureInvalid):
		return gwerrors.ErrBadSignature
	case jwtErrorIs(err, jwt.ErrTokenMalformed):
		return gwerrors.ErrMalformedToken
	default:
		return gwerrors.Wrap(gwerrors.KindAuthentication, "token validation failed", err)
	}
}

func jwtErrorIs(err, target error) bool {
	return errors.Is(err, target)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// stringList accepts either a JSON array of strings or a comma-separated
// string for the pub/subscribe claims, per the wire spec.
func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

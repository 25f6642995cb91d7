package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/gwerrors"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "device-1",
		"role":      "device",
		"pub":       []interface{}{"device.device-1.telemetry"},
		"subscribe": []interface{}{"device.device-1.commands"},
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iat":       time.Now().Unix(),
	}
}

func TestValidateSuccess(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret, DefaultExpiry: time.Hour})
	token := signToken(t, baseClaims())

	ctx, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "device-1", ctx.ClientID)
	assert.Equal(t, "device", ctx.Role)
	assert.Equal(t, []string{"device.device-1.telemetry"}, ctx.PubPatterns)
	assert.Equal(t, []string{"device.device-1.commands"}, ctx.SubPatterns)
}

func TestValidateMissingToken(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret})
	_, err := v.Validate("")
	assert.ErrorIs(t, err, gwerrors.ErrMissingToken)
}

func TestValidateExpired(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret})
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := signToken(t, claims)

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, gwerrors.ErrExpired)
}

func TestValidateWrongIssuer(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret, Issuer: "gateway.example"})
	claims := baseClaims()
	claims["iss"] = "someone.else"
	token := signToken(t, claims)

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, gwerrors.ErrWrongIssuer)
}

func TestValidateWrongAudience(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret, Audience: "devices"})
	claims := baseClaims()
	claims["aud"] = "other-audience"
	token := signToken(t, claims)

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, gwerrors.ErrWrongAudience)
}

func TestValidateMissingSubject(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret})
	claims := baseClaims()
	delete(claims, "sub")
	token := signToken(t, claims)

	_, err := v.Validate(token)
	assert.ErrorIs(t, err, gwerrors.ErrMissingSubject)
}

func TestValidateBadSignature(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret})
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	signed, err := tok.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = v.Validate(signed)
	assert.ErrorIs(t, err, gwerrors.ErrBadSignature)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret})
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims())
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(signed)
	assert.Error(t, err)
}

func TestValidateCommaSeparatedPatterns(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret})
	claims := baseClaims()
	claims["pub"] = "device.1.a, device.1.b"
	token := signToken(t, claims)

	ctx, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"device.1.a", "device.1.b"}, ctx.PubPatterns)
}

func TestTokenFromHeader(t *testing.T) {
	assert.Equal(t, "abc123", TokenFromHeader("Bearer abc123"))
	assert.Equal(t, "", TokenFromHeader(""))
	assert.Equal(t, "", TokenFromHeader("Basic abc123"))
}

func TestExpired(t *testing.T) {
	v := NewValidator(Config{Secret: testSecret, ClockSkew: time.Second})
	ctx := &DeviceContext{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, v.Expired(ctx))

	ctx2 := &DeviceContext{ExpiresAt: time.Now().Add(time.Minute)}
	assert.False(t, v.Expired(ctx2))
}

func TestDeviceContextCanPublishAndSubscribe(t *testing.T) {
	ctx := &DeviceContext{
		PubPatterns: []string{"device.1.telemetry"},
		SubPatterns: []string{"device.1.commands"},
	}
	exact := func(pattern, subject string) bool { return pattern == subject }

	assert.True(t, ctx.CanPublish(exact, "device.1.telemetry"))
	assert.False(t, ctx.CanPublish(exact, "device.1.commands"))
	assert.True(t, ctx.CanSubscribe(exact, "device.1.commands"))
	assert.False(t, ctx.CanSubscribe(exact, "device.1.telemetry"))
}

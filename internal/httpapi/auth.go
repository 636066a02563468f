package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	scopeBoardRead  = "board:read"
	scopeBoardWrite = "board:write"
	tokenAudience   = "leadboard"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	OrganizationID string
	UserID         string
	Scopes         map[string]struct{}
	Exp            int64
}

func (c tokenClaims) has(scope string) bool {
	if _, ok := c.Scopes[scope]; ok {
		return true
	}
	// write implies read
	if scope == scopeBoardRead {
		_, ok := c.Scopes[scopeBoardWrite]
		return ok
	}
	return false
}

// scopeList accepts scopes as a JSON array or a space-separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be an array or a string")
	}
	*s = strings.Fields(joined)
	return nil
}

// audience accepts the aud claim as a string or an array of strings.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = []string{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("aud must be a string or an array")
	}
	*a = list
	return nil
}

func (a audience) contains(want string) bool {
	for _, aud := range a {
		if aud == want {
			return true
		}
	}
	return false
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtPayload struct {
	OrganizationID string      `json:"organization_id"`
	UserID         string      `json:"user_id"`
	Scopes         scopeList   `json:"scopes"`
	Exp            json.Number `json:"exp"`
	Aud            audience    `json:"aud"`
}

func authorizeBearer(authHeader, jwtSecret, organizationID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if organizationID != "" && claims.OrganizationID != organizationID {
		return tokenClaims{}, forbidden("organization mismatch")
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	encodedHeader, rest, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}
	encodedPayload, encodedSig, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(encodedSig, ".") {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header jwtHeader
	if err := decodeSegment(encodedHeader, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sig, hmacSHA256(jwtSecret, encodedHeader+"."+encodedPayload)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload jwtPayload
	if err := decodeSegment(encodedPayload, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case payload.OrganizationID == "":
		return tokenClaims{}, unauthorized("missing organization_id claim")
	case payload.UserID == "":
		return tokenClaims{}, unauthorized("missing user_id claim")
	}
	exp, err := payload.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !payload.Aud.contains(tokenAudience) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := make(map[string]struct{}, len(payload.Scopes))
	for _, scope := range payload.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		OrganizationID: payload.OrganizationID,
		UserID:         payload.UserID,
		Scopes:         scopes,
		Exp:            exp,
	}, nil
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(dst)
}

func hmacSHA256(secret, data string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return mac.Sum(nil)
}

// verifyInternalHMAC checks the signature the CRM attaches to webhook
// deliveries: hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	if delta := now.Sub(ts); delta > maxSkew || delta < -maxSkew {
		return unauthorized("internal request outside replay window")
	}
	expected := hex.EncodeToString(hmacSHA256(secret, timestamp+"\n"+string(body)))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}

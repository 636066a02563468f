package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func signTestToken(t *testing.T, secret string, payload map[string]any) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	sig, err := hex.DecodeString(mustHMAC(secret, signingInput))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func basePayload(now time.Time) map[string]any {
	return map[string]any{
		"organization_id": "org_1",
		"user_id":         "u1",
		"scopes":          []string{"board:read"},
		"exp":             now.Add(time.Hour).Unix(),
		"aud":             "leadboard",
	}
}

func TestParseBearerAcceptsScopeStringAndAudienceList(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := basePayload(now)
	payload["scopes"] = "board:read  board:write"
	payload["aud"] = []string{"billing", "leadboard"}

	claims, authErr := parseBearer("Bearer "+signTestToken(t, "s", payload), "s", now)
	if authErr != nil {
		t.Fatalf("parse bearer: %v", authErr)
	}
	if claims.OrganizationID != "org_1" || claims.UserID != "u1" {
		t.Fatalf("unexpected identity: %+v", claims)
	}
	if !claims.has(scopeBoardRead) || !claims.has(scopeBoardWrite) {
		t.Fatalf("expected both scopes, got %v", claims.Scopes)
	}
	if claims.Exp != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected exp %d", claims.Exp)
	}
}

func TestAuthorizeBearerWriteImpliesRead(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := basePayload(now)
	payload["scopes"] = []string{"board:write"}
	header := "Bearer " + signTestToken(t, "s", payload)

	if _, authErr := authorizeBearer(header, "s", "org_1", scopeBoardRead, now); authErr != nil {
		t.Fatalf("expected write scope to grant read: %v", authErr)
	}

	payload["scopes"] = []string{"board:read"}
	header = "Bearer " + signTestToken(t, "s", payload)
	_, authErr := authorizeBearer(header, "s", "org_1", scopeBoardWrite, now)
	if authErr == nil || authErr.status != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token on write route, got %v", authErr)
	}
}

func TestParseBearerRejections(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	valid := signTestToken(t, "s", basePayload(now))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing prefix", header: valid, status: http.StatusUnauthorized},
		{name: "two segments", header: "Bearer a.b", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signTestToken(t, "other", basePayload(now)), status: http.StatusUnauthorized},
		{name: "tampered payload", header: "Bearer " + tamperPayload(t, valid), status: http.StatusUnauthorized},
		{name: "missing exp", header: "Bearer " + signTestToken(t, "s", without(basePayload(now), "exp")), status: http.StatusUnauthorized},
		{name: "missing user", header: "Bearer " + signTestToken(t, "s", without(basePayload(now), "user_id")), status: http.StatusUnauthorized},
		{name: "missing audience", header: "Bearer " + signTestToken(t, "s", without(basePayload(now), "aud")), status: http.StatusUnauthorized},
		{name: "no scopes", header: "Bearer " + signTestToken(t, "s", with(basePayload(now), "scopes", "  ")), status: http.StatusForbidden},
		{name: "numeric scopes", header: "Bearer " + signTestToken(t, "s", with(basePayload(now), "scopes", 7)), status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if _, authErr := parseBearer(tc.header, "s", now); authErr == nil || authErr.status != tc.status {
			t.Fatalf("%s: expected status %d, got %v", tc.name, tc.status, authErr)
		}
	}
}

func TestVerifyInternalHMAC(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"type":"lead_deleted","lead_id":"A"}`)
	ts := now.Add(-time.Minute).Format(time.RFC3339)
	sig := mustHMAC("hook", ts+"\n"+string(body))

	if authErr := verifyInternalHMAC("hook", ts, sig, body, now, 5*time.Minute); authErr != nil {
		t.Fatalf("expected valid signature, got %v", authErr)
	}
	if authErr := verifyInternalHMAC("hook", ts, sig, []byte(`{"type":"lead_deleted","lead_id":"B"}`), now, 5*time.Minute); authErr == nil {
		t.Fatalf("expected altered body to fail")
	}
	if authErr := verifyInternalHMAC("hook", ts, sig, body, now.Add(10*time.Minute), 5*time.Minute); authErr == nil {
		t.Fatalf("expected stale timestamp to fail")
	}
	if authErr := verifyInternalHMAC("hook", "", sig, body, now, 5*time.Minute); authErr == nil || authErr.status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing timestamp, got %v", authErr)
	}
}

func tamperPayload(t *testing.T, token string) string {
	t.Helper()
	forged, err := json.Marshal(map[string]any{
		"organization_id": "org_1",
		"user_id":         "admin",
		"scopes":          []string{"board:write"},
		"exp":             time.Now().Add(time.Hour).Unix(),
		"aud":             "leadboard",
	})
	if err != nil {
		t.Fatalf("marshal forged payload: %v", err)
	}
	parts := strings.Split(token, ".")
	return parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]
}

func without(payload map[string]any, key string) map[string]any {
	delete(payload, key)
	return payload
}

func with(payload map[string]any, key string, value any) map[string]any {
	payload[key] = value
	return payload
}

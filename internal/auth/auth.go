// Package auth implements the credential schemes used by upstream providers.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Bearer formats an Authorization header value.
func Bearer(token string) string {
	return "Bearer " + token
}

// Token formats the "token <key>" scheme used by AI Studio.
func Token(token string) string {
	return "token " + token
}

// HMACSHA1 returns base64(HMAC-SHA1(key, message)).
func HMACSHA1(key, message string) string {
	return sign(sha1.New, key, message)
}

// HMACSHA256 returns base64(HMAC-SHA256(key, message)).
func HMACSHA256(key, message string) string {
	return sign(sha256.New, key, message)
}

func sign(h func() hash.Hash, key, message string) string {
	mac := hmac.New(h, []byte(key))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HunyuanCanonical builds the string-to-sign for a HunYuan request: the
// endpoint's host and path, "?", then key-sorted k=v pairs joined by "&".
// Objects and arrays keep their JSON encoding; null fields are skipped.
func HunyuanCanonical(endpoint string, payload any) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		return "", fmt.Errorf("payload must encode to a JSON object: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		value, ok, err := canonicalValue(fields[k])
		if err != nil {
			return "", fmt.Errorf("field %q: %w", k, err)
		}
		if !ok {
			continue
		}
		pairs = append(pairs, k+"="+value)
	}

	return u.Host + u.Path + "?" + strings.Join(pairs, "&"), nil
}

func canonicalValue(raw json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	}
	// Numbers, booleans, objects and arrays keep their encoded form.
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return "", false, err
	}
	return compact.String(), true, nil
}

// SignHunyuan returns base64(HMAC-SHA1(secretKey, canonical)).
func SignHunyuan(secretKey, endpoint string, payload any) (string, error) {
	canonical, err := HunyuanCanonical(endpoint, payload)
	if err != nil {
		return "", err
	}
	return HMACSHA1(secretKey, canonical), nil
}

// SparkCanonical builds the string-to-sign for a Spark WebSocket handshake.
func SparkCanonical(host, date, method, path string) string {
	return "host: " + host + "\ndate: " + date + "\n" + method + " " + path + " HTTP/1.1"
}

// SparkAuthorization returns the base64-encoded authorization origin for a
// given signature.
func SparkAuthorization(apiKey, signature string) string {
	origin := fmt.Sprintf(`api_key="%s", algorithm="%s", headers="%s", signature="%s"`,
		apiKey, "hmac-sha256", "host date request-line", signature)
	return base64.StdEncoding.EncodeToString([]byte(origin))
}

// SignSparkURL adds the authorization, date and host query parameters to a
// Spark WebSocket URL.
func SignSparkURL(rawURL, apiKey, apiSecret string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse spark url: %w", err)
	}

	date := now.UTC().Format(http.TimeFormat)
	signature := HMACSHA256(apiSecret, SparkCanonical(u.Host, date, "GET", u.Path))

	q := u.Query()
	q.Set("authorization", SparkAuthorization(apiKey, signature))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

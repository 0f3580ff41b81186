package auth

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fox = "The quick brown fox jumps over the lazy dog"

func decodeHex(t *testing.T, b64 string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	return hex.EncodeToString(raw)
}

func TestHMACKnownVectors(t *testing.T) {
	assert.Equal(t, "de7c9b85b8b78aa6bc8a7a36f70a90701c9db4d9", decodeHex(t, HMACSHA1("key", fox)))
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", decodeHex(t, HMACSHA256("key", fox)))
}

type hunyuanBody struct {
	AppID       int64     `json:"app_id"`
	SecretID    string    `json:"secret_id"`
	Timestamp   int64     `json:"timestamp"`
	Expired     int64     `json:"expired"`
	QueryID     string    `json:"query_id"`
	Temperature *float64  `json:"temperature"`
	TopP        float64   `json:"top_p"`
	Stream      int       `json:"stream"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func TestHunyuanCanonical(t *testing.T) {
	body := hunyuanBody{
		AppID:     1234,
		SecretID:  "sid",
		Timestamp: 1700000000,
		Expired:   1700086400,
		QueryID:   "q-1",
		TopP:      0.8,
		Stream:    0,
		Messages:  []message{{Role: "user", Content: "a<b"}},
	}

	canonical, err := HunyuanCanonical("https://hunyuan.cloud.tencent.com/hyllm/v1/chat/completions", body)
	require.NoError(t, err)

	want := "hunyuan.cloud.tencent.com/hyllm/v1/chat/completions?" +
		"app_id=1234&expired=1700086400" +
		`&messages=[{"role":"user","content":"a<b"}]` +
		"&query_id=q-1&secret_id=sid&stream=0&timestamp=1700000000&top_p=0.8"
	assert.Equal(t, want, canonical)

	sig, err := SignHunyuan("secret", "https://hunyuan.cloud.tencent.com/hyllm/v1/chat/completions", body)
	require.NoError(t, err)
	assert.Equal(t, HMACSHA1("secret", want), sig)

	again, err := SignHunyuan("secret", "https://hunyuan.cloud.tencent.com/hyllm/v1/chat/completions", body)
	require.NoError(t, err)
	assert.Equal(t, sig, again)
}

func TestSparkCanonical(t *testing.T) {
	got := SparkCanonical("spark-api.xf-yun.com", "Mon, 02 Jan 2006 15:04:05 GMT", "GET", "/v3.5/chat")
	assert.Equal(t, "host: spark-api.xf-yun.com\ndate: Mon, 02 Jan 2006 15:04:05 GMT\nGET /v3.5/chat HTTP/1.1", got)
}

func TestSignSparkURL(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	signed, err := SignSparkURL("wss://spark-api.xf-yun.com/v3.5/chat", "ak", "as", now)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "spark-api.xf-yun.com", q.Get("host"))
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", q.Get("date"))

	origin, err := base64.StdEncoding.DecodeString(q.Get("authorization"))
	require.NoError(t, err)

	expectedSig := HMACSHA256("as", SparkCanonical("spark-api.xf-yun.com", "Tue, 02 Jan 2024 03:04:05 GMT", "GET", "/v3.5/chat"))
	assert.Equal(t,
		`api_key="ak", algorithm="hmac-sha256", headers="host date request-line", signature="`+expectedSig+`"`,
		string(origin))
	assert.True(t, strings.HasPrefix(signed, "wss://spark-api.xf-yun.com/v3.5/chat?"))
}

func TestSchemes(t *testing.T) {
	assert.Equal(t, "Bearer k", Bearer("k"))
	assert.Equal(t, "token k", Token("k"))
}

package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
)

const signingAlgorithm = "AWS4-HMAC-SHA256"

// emptyPayloadHash is sha256 of the empty string, used for bodyless requests.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// signer computes AWS Signature V4 authorization headers. Derived signing
// keys are cached per UTC day since deriving one costs four HMAC rounds.
type signer struct {
	accessKey string
	secretKey string
	region    string

	mu   deadlock.Mutex
	keys map[string][]byte // yyyymmdd/region -> derived key

	now func() time.Time
}

func newSigner(accessKey, secretKey, region string) *signer {
	return &signer{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		keys:      map[string][]byte{},
		now:       time.Now,
	}
}

// Sign adds Date, x-amz-content-sha256 and Authorization headers to req.
// payloadHash is the hex sha256 of the request body; pass the empty-body
// hash for bodyless requests.
func (s *signer) Sign(req *http.Request, payloadHash string) error {
	if s.accessKey == "" || s.secretKey == "" {
		return &AuthError{Reason: "access key and secret key are required"}
	}
	if payloadHash == "" {
		payloadHash = emptyPayloadHash
	}

	now := s.now().UTC()
	req.Header.Set("Date", now.Format(time.RFC1123))
	req.Header.Set("x-amz-content-sha256", payloadHash)

	scopeDate := now.Format("20060102")
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", scopeDate, s.region)

	canonical, signedHeaders := canonicalRequest(req, payloadHash)

	stringToSign := strings.Join([]string{
		signingAlgorithm,
		now.Format(time.RFC1123),
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(scopeDate), []byte(stringToSign)))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signingAlgorithm, s.accessKey, scope, signedHeaders, signature,
	))
	return nil
}

// signingKey derives (or returns the cached) key for a scope date. Entries
// from previous days are evicted since they can never be used again.
func (s *signer) signingKey(scopeDate string) []byte {
	cacheKey := scopeDate + "/" + s.region

	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[cacheKey]; ok {
		return key
	}
	for stale := range s.keys {
		delete(s.keys, stale)
	}

	key := []byte("AWS4" + s.secretKey)
	for _, part := range []string{scopeDate, s.region, "s3", "aws4_request"} {
		key = hmacSHA256(key, []byte(part))
	}
	s.keys[cacheKey] = key
	return key
}

// canonicalRequest builds the V4 canonical request string and the
// semicolon-joined signed header list.
func canonicalRequest(req *http.Request, payloadHash string) (string, string) {
	headers := map[string]string{
		"host": req.URL.Host,
	}
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			continue
		}
		headers[lower] = strings.TrimSpace(strings.Join(values, ","))
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonical := strings.Join([]string{
		req.Method,
		req.URL.EscapedPath(),
		canonicalQueryString(req.URL.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	return canonical, signedHeaders
}

func canonicalQueryString(query url.Values) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		values := append([]string{}, query[key]...)
		sort.Strings(values)
		for _, value := range values {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	return strings.Join(parts, "&")
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package httpclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arcrelay/forwardcore/internal/snapshot"
)

const sigV4Algorithm = "AWS4-HMAC-SHA256"

// Authenticate attaches credentials to req for u's AuthStyle, in place.
// body is needed only for aws_sigv4, whose canonical request hashes the
// payload. The anthropic-version header is set only under the bearer
// (default) auth style, when u speaks the anthropic style.
func Authenticate(req *http.Request, u snapshot.Upstream, body []byte) error {
	switch u.AuthStyle {
	case snapshot.AuthStyleAPIKeyHeader:
		req.Header.Set("api-key", u.APIKey)
		return nil
	case snapshot.AuthStyleAWSSigV4:
		return signSigV4(req, body, u)
	case snapshot.AuthStyleBearer, "":
		switch u.APIStyle {
		case snapshot.APIStyleAnthropic:
			req.Header.Set("x-api-key", u.APIKey)
			req.Header.Set("anthropic-version", "2023-06-01")
		case snapshot.APIStyleGemini:
			req.Header.Set("x-goog-api-key", u.APIKey)
		default:
			req.Header.Set("Authorization", "Bearer "+u.APIKey)
		}
		return nil
	default:
		return fmt.Errorf("httpclient: unknown auth style %q", u.AuthStyle)
	}
}

// signSigV4 signs req with AWS Signature Version 4, using u.APIKey as the
// access key id and u.AWSSecretKey as the secret key. Adapted from Bedrock's
// Converse API signer: the canonical request covers method, path, query,
// the content-type/host/x-amz-date headers, and the SHA-256 of body.
func signSigV4(req *http.Request, body []byte, u snapshot.Upstream) error {
	if u.APIKey == "" || u.AWSSecretKey == "" || u.AWSRegion == "" {
		return fmt.Errorf("httpclient: aws_sigv4 requires api_key, aws_secret_key, and aws_region")
	}

	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	payloadHash := sha256Hex(body)
	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	const service = "bedrock"
	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, u.AWSRegion, service)

	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(u.AWSSecretKey, datestamp, u.AWSRegion, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, u.APIKey, credentialScope, signedHeaders, signature,
	))
	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

package bedrock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// credentials is the minimal AWS credential triple SigV4 needs, resolved
// upstream via aws-sdk-go-v2/config+credentials (see DESIGN.md: the
// vendor SDK's HTTP client and bedrockruntime transport are dropped, but
// its credential-chain resolution is kept).
type credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// signRequest applies AWS Signature Version 4 to req in place, for the
// "bedrock" service in region. body is the exact bytes that will be sent
// (signing requires the payload hash up front). Grounded on Bedrock
// Converse-Stream's use of SigV4 (spec §4.6.2); hand-rolled per DESIGN.md's
// justification for dropping aws/smithy-go's private signer.
func signRequest(req *http.Request, body []byte, region string, creds credentials, now time.Time) error {
	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := now.UTC().Format("20060102")

	req.Header.Set("x-amz-date", amzDate)
	if creds.SessionToken != "" {
		req.Header.Set("x-amz-security-token", creds.SessionToken)
	}
	payloadHash := sha256Hex(body)
	req.Header.Set("x-amz-content-sha256", payloadHash)

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL.Path),
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/bedrock/aws4_request", dateStamp, region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, region, "bedrock")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, credentialScope, signedHeaders, signature,
	)
	req.Header.Set("authorization", authHeader)
	return nil
}

func canonicalURI(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func canonicalizeHeaders(req *http.Request) (canonical string, signed string) {
	names := make([]string, 0, len(req.Header)+1)
	values := map[string]string{}
	for k := range req.Header {
		lk := strings.ToLower(k)
		values[lk] = strings.TrimSpace(req.Header.Get(k))
		names = append(names, lk)
	}
	if _, ok := values["host"]; !ok {
		values["host"] = req.Host
		names = append(names, "host")
	}
	sort.Strings(names)

	var cb strings.Builder
	for _, n := range names {
		cb.WriteString(n)
		cb.WriteByte(':')
		cb.WriteString(values[n])
		cb.WriteByte('\n')
	}
	return cb.String(), strings.Join(names, ";")
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

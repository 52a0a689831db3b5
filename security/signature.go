package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance is the maximum accepted age of a webhook
// signature timestamp. Five minutes absorbs clock drift and delivery
// latency without leaving replayed payloads valid indefinitely.
const DefaultSignatureTolerance = 5 * time.Minute

// SignPayload produces a webhook signature header value in the form
// "t=<unix>,v1=<hex hmac-sha256>". The signed input is "<unix>.<payload>"
// so the timestamp cannot be swapped without invalidating the signature.
func SignPayload(payload []byte, secret string, now time.Time) string {
	ts := now.Unix()
	mac := computeHMAC(ts, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", ts, mac)
}

// VerifySignature checks a webhook signature header against a payload.
// Returns false for malformed headers, timestamps outside the tolerance
// window, or signature mismatches. Comparison is constant-time.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) bool {
	if len(payload) == 0 || header == "" {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}

	ts, sig, ok := parseSignatureHeader(header)
	if !ok {
		return false
	}

	age := time.Since(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return false
	}

	expected := computeHMAC(ts, payload, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// parseSignatureHeader extracts the t and v1 fields from a signature
// header of the form "t=<unix>,v1=<hex>".
func parseSignatureHeader(header string) (ts int64, sig string, ok bool) {
	var tsStr string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			tsStr = value
		case "v1":
			sig = value
		}
	}
	if tsStr == "" || sig == "" {
		return 0, "", false
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, sig, true
}

func computeHMAC(ts int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

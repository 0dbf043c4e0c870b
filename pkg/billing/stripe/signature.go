package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mykidapp/lifecycle/pkg/billing"
)

const (
	signatureHeader = "Stripe-Signature"
	signatureScheme = "v1"
	timestampKey    = "t"
)

// VerifySignature checks a Stripe-Signature header against the raw request
// body. The header carries a timestamp and one or more v1 signatures; any
// matching signature validates. A positive tolerance also rejects timestamps
// further than tolerance from now.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	return verifySignatureAt(payload, header, secret, tolerance, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", billing.ErrInvalidWebhookSignature)
		}
	}

	expected := computeSignature(payload, secret, timestamp)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", billing.ErrInvalidWebhookSignature)
}

// SignPayload produces a Stripe-Signature header value for payload
func SignPayload(payload []byte, secret string, ts time.Time) string {
	timestamp := ts.Unix()
	return fmt.Sprintf("%s=%d,%s=%s", timestampKey, timestamp, signatureScheme, computeSignature(payload, secret, timestamp))
}

func computeSignature(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp    int64
		hasTimestamp bool
		signatures   []string
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case timestampKey:
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: invalid timestamp", billing.ErrInvalidWebhookSignature)
			}
			timestamp = ts
			hasTimestamp = true
		case signatureScheme:
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}

	if !hasTimestamp {
		return 0, nil, fmt.Errorf("%w: missing timestamp", billing.ErrInvalidWebhookSignature)
	}
	if len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: missing %s signature", billing.ErrInvalidWebhookSignature, signatureScheme)
	}
	return timestamp, signatures, nil
}

package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

type Outcome string

const (
	OutcomeVerified          Outcome = "verified"
	OutcomeStaleSignature    Outcome = "stale_signature"
	OutcomeSignatureMismatch Outcome = "signature_mismatch"
	OutcomeMalformedHeader   Outcome = "malformed_header"
)

// SignatureHeader is the parsed form of "t=<unix>,v1=<hex>[,v1=<hex>...]".
type SignatureHeader struct {
	Timestamp  int64
	Signatures []string
}

func ParseSignatureHeader(header string) (SignatureHeader, bool) {
	parsed := SignatureHeader{}
	seenTimestamp := false
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return SignatureHeader{}, false
			}
			parsed.Timestamp = ts
			seenTimestamp = true
		case "v1":
			if value != "" {
				parsed.Signatures = append(parsed.Signatures, value)
			}
		}
	}
	if !seenTimestamp || len(parsed.Signatures) == 0 {
		return SignatureHeader{}, false
	}
	return parsed, true
}

// Verify checks header against body. The timestamp window is checked before
// the MAC so stale replays never reach the comparison.
func Verify(body []byte, header string, secret string, tolerance time.Duration, now time.Time) Outcome {
	parsed, ok := ParseSignatureHeader(header)
	if !ok {
		return OutcomeMalformedHeader
	}
	if tolerance <= 0 {
		tolerance = core.DefaultSignatureTolerance
	}
	skew := now.Unix() - parsed.Timestamp
	if skew < 0 {
		skew = -skew
	}
	// Compared in seconds; scaling skew to a Duration overflows for far-off t.
	if skew < 0 || skew > int64(tolerance/time.Second) {
		return OutcomeStaleSignature
	}

	expected := computeMAC(body, secret, parsed.Timestamp)
	for _, candidate := range parsed.Signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return OutcomeVerified
		}
	}
	return OutcomeSignatureMismatch
}

// Sign builds a header value for body at unix time t.
func Sign(body []byte, secret string, t int64) string {
	return fmt.Sprintf("t=%d,v1=%s", t, hex.EncodeToString(computeMAC(body, secret, t)))
}

func computeMAC(body []byte, secret string, t int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(t, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// HeaderVerifier adapts Verify to core.SignatureVerifier.
type HeaderVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func NewHeaderVerifier(cfg core.SignatureConfig) HeaderVerifier {
	return HeaderVerifier{
		Secret:    strings.TrimSpace(cfg.Secret),
		Tolerance: cfg.Tolerance,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (v HeaderVerifier) VerifyHeader(body []byte, header string) error {
	if strings.TrimSpace(v.Secret) == "" {
		return core.InternalError("webhooks: signature secret is not configured")
	}
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now()
	}
	switch Verify(body, header, v.Secret, v.Tolerance, now) {
	case OutcomeVerified:
		return nil
	case OutcomeStaleSignature:
		return core.SignatureError(core.RelayErrorSignatureStale, "webhooks: signature timestamp outside tolerance")
	case OutcomeSignatureMismatch:
		return core.SignatureError(core.RelayErrorSignatureMismatch, "webhooks: signature verification failed")
	default:
		return core.SignatureError(core.RelayErrorSignatureMalformed, "webhooks: signature header is malformed")
	}
}

var _ core.SignatureVerifier = HeaderVerifier{}

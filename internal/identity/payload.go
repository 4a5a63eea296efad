package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Method is the verification channel a record was captured through.
type Method string

const (
	MethodQR          Method = "QR_SCAN"
	MethodManual      Method = "MANUAL_ENTRY"
	MethodFingerprint Method = "BIOMETRIC_FINGERPRINT"
	MethodFace        Method = "BIOMETRIC_FACE"
	MethodLink        Method = "LINK_SELF_MARK"
)

// Valid reports whether m is a known verification method.
func (m Method) Valid() bool {
	switch m {
	case MethodQR, MethodManual, MethodFingerprint, MethodFace, MethodLink:
		return true
	}
	return false
}

// Payload is the tagged union of raw verification inputs. Each channel
// carries its own shape and validation; the resolver turns any of them
// into one canonical Result.
type Payload interface {
	Method() Method
	validate() error
}

// QRPayload is the raw blob scanned off a student card QR code. It must
// contain an index number; any embedded name is a display hint only and
// never trusted for identity.
type QRPayload struct {
	Raw []byte
}

func (QRPayload) Method() Method { return MethodQR }

func (p QRPayload) validate() error {
	if len(p.Raw) == 0 {
		return fmt.Errorf("%w: empty qr blob", ErrMalformedPayload)
	}
	return nil
}

type qrContent struct {
	IndexNumber string `json:"index_number"`
	Name        string `json:"name"`
	Program     string `json:"program"`
}

func (p QRPayload) decode() (qrContent, error) {
	var c qrContent
	if err := json.Unmarshal(p.Raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(c.IndexNumber) == "" {
		return c, fmt.Errorf("%w: qr blob missing index_number", ErrMalformedPayload)
	}
	return c, nil
}

// ManualPayload is an index number typed in by an invigilator.
type ManualPayload struct {
	IndexNumber string
}

func (ManualPayload) Method() Method { return MethodManual }

func (p ManualPayload) validate() error {
	if strings.TrimSpace(p.IndexNumber) == "" {
		return fmt.Errorf("%w: index number required", ErrMalformedPayload)
	}
	return nil
}

// Modality selects which biometric channel produced a template.
type Modality string

const (
	ModalityFingerprint Modality = "fingerprint"
	ModalityFace        Modality = "face"
)

// BiometricPayload is a device-captured template handed to the external
// verify oracle. The engine never inspects the template itself.
type BiometricPayload struct {
	Template string
	Provider string
	Modality Modality
}

func (p BiometricPayload) Method() Method {
	if p.Modality == ModalityFace {
		return MethodFace
	}
	return MethodFingerprint
}

func (p BiometricPayload) validate() error {
	if p.Template == "" {
		return fmt.Errorf("%w: biometric template required", ErrMalformedPayload)
	}
	if p.Modality != ModalityFingerprint && p.Modality != ModalityFace {
		return fmt.Errorf("%w: unknown biometric modality %q", ErrMalformedPayload, p.Modality)
	}
	return nil
}

// LinkPayload is a student self-mark under a previously issued link token.
// Token constraints (expiry, uses, geofence) are enforced before resolution.
type LinkPayload struct {
	Token       string
	IndexNumber string
}

func (LinkPayload) Method() Method { return MethodLink }

func (p LinkPayload) validate() error {
	if p.Token == "" {
		return fmt.Errorf("%w: link token required", ErrMalformedPayload)
	}
	if strings.TrimSpace(p.IndexNumber) == "" {
		return fmt.Errorf("%w: index number required", ErrMalformedPayload)
	}
	return nil
}

// NormalizeIndex canonicalizes an index number for use as a student key.
func NormalizeIndex(index string) string {
	return strings.ToUpper(strings.TrimSpace(index))
}

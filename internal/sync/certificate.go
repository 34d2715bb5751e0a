package sync

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/editionsync/internal/model"
)

// CertificateIssuer generates proof-of-authenticity references. A certificate
// is issued once per row and survives edition number churn.
type CertificateIssuer struct {
	baseURL string
}

// NewCertificateIssuer returns an issuer whose URLs are baseURL/<token>.
func NewCertificateIssuer(baseURL string) *CertificateIssuer {
	return &CertificateIssuer{baseURL: strings.TrimRight(baseURL, "/")}
}

// Issue fills the certificate fields of item if they are not already set.
// It reports whether anything was written.
func (c *CertificateIssuer) Issue(item *model.LineItem, at time.Time) bool {
	if item.HasCertificate() {
		return false
	}
	if item.CertificateToken == "" {
		item.CertificateToken = uuid.NewString()
	}
	item.CertificateURL = c.baseURL + "/" + item.CertificateToken
	item.CertificateGeneratedAt = at
	return true
}

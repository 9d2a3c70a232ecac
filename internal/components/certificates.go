package components

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"server-dr/internal/config"
	"server-dr/internal/logging"
)

// certExpiryWarning is how close to expiry a restored certificate may be before the check fails
const certExpiryWarning = 7 * 24 * time.Hour

// NewCertificatesComponent captures TLS material; restored certificates must parse and be unexpired
func NewCertificatesComponent(cfg config.TreeConfig, logger *logging.Logger) *TreeComponent {
	t := NewTreeComponent(Certificates, cfg, logger)
	t.verify = func(ctx context.Context, target RestoreTarget, restored *RestoreResult) []Check {
		if restored == nil {
			return nil
		}
		var checks []Check
		for _, root := range restored.Restored {
			checks = append(checks, checkCertificates(root, t.now())...)
		}
		return checks
	}
	return t
}

func checkCertificates(root string, now time.Time) []Check {
	var checks []Check
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pem", ".crt", ".cer":
		default:
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			checks = append(checks, failed(Certificates, "certificate", fmt.Sprintf("%s: %v", path, err)))
			return nil
		}

		found := false
		for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
			if block.Type != "CERTIFICATE" {
				continue
			}
			found = true
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				checks = append(checks, failed(Certificates, "certificate", fmt.Sprintf("%s: %v", path, err)))
				return nil
			}
			if now.Add(certExpiryWarning).After(cert.NotAfter) {
				checks = append(checks, failed(Certificates, "certificate",
					fmt.Sprintf("%s (%s) expires %s", path, cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))))
				return nil
			}
		}
		if found {
			checks = append(checks, passed(Certificates, "certificate", path))
		}
		return nil
	})
	return checks
}

package cert

import (
	"crypto/rand"
	"encoding/asn1"
	"encoding/pem"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ospreyproxy/osprey/internal/errs"
)

// dhParams is the PKCS#3 DH parameter structure.
type dhParams struct {
	P *big.Int
	G *big.Int
}

// loadOrCreateDHParams reads dh.pem, or generates fresh DH parameters and
// persists them when the file is absent. The Go TLS stack negotiates its
// own key exchange, so the parameters exist for external tooling that
// reads the certificate directory.
func (m *Manager) loadOrCreateDHParams() error {
	path := filepath.Join(m.config.CertDir, dhFileName)
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "DH PARAMETERS" {
			return errs.New(errs.KindCA, "malformed DH parameter file")
		}
		var params dhParams
		if _, err := asn1.Unmarshal(block.Bytes, &params); err != nil {
			return errs.Wrap(errs.KindCA, err, "parse DH parameters")
		}
		return nil
	}

	startTime := time.Now()
	prime, err := rand.Prime(rand.Reader, m.config.DHBits)
	if err != nil {
		return errs.Wrap(errs.KindCA, err, "generate DH prime")
	}

	der, err := asn1.Marshal(dhParams{P: prime, G: big.NewInt(2)})
	if err != nil {
		return errs.Wrap(errs.KindCA, err, "encode DH parameters")
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "DH PARAMETERS",
		Bytes: der,
	})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return errs.Wrap(errs.KindCA, err, "persist DH parameters")
	}

	if m.enableDebug {
		log.Printf("Generated %d-bit DH parameters in %s", m.config.DHBits, time.Since(startTime))
	}
	return nil
}

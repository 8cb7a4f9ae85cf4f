package cert

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ospreyproxy/osprey/internal/errs"
)

// warmupConcurrency bounds concurrent key generations during warm-up so
// startup does not saturate the CPU before the listener is up.
const warmupConcurrency = 4

// WarmUp mints leaves for the given hosts ahead of traffic. Hosts sharing
// a wildcard common name are minted once. Individual failures are logged
// and counted; the first one is returned after all hosts are attempted.
func (m *Manager) WarmUp(ctx context.Context, hosts []string) error {
	if len(hosts) == 0 {
		return nil
	}

	startTime := time.Now()
	sem := make(chan struct{}, warmupConcurrency)

	var wg sync.WaitGroup
	var firstErr error
	var errMutex sync.Mutex
	failed := 0

	for _, host := range hosts {
		host := host

		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if _, err := m.CertificateFor(host); err != nil {
				errMutex.Lock()
				failed++
				if firstErr == nil {
					firstErr = errs.Wrap(errs.KindCA, err, "warm up "+host)
				}
				errMutex.Unlock()
				log.Printf("Failed to warm up certificate for %s: %v", host, err)
			}
		}()
	}

	wg.Wait()

	if m.enableDebug {
		log.Printf("Certificate warm-up finished: hosts=%d, failed=%d, took=%s",
			len(hosts), failed, time.Since(startTime))
	}
	return firstErr
}

package server

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

// keypairReloader serves the current certificate for a cert/key path
// pair and reloads the pair on SIGHUP, so certificates can rotate
// without a restart.
type keypairReloader struct {
	certMu   sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
}

func newKeypairReloader(certPath, keyPath string, logger logger.Logger) (*keypairReloader, error) {
	kpr := &keypairReloader{
		certPath: certPath,
		keyPath:  keyPath,
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	kpr.cert = &cert
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGHUP)
		for range c {
			logger.Infof("received SIGHUP, reloading TLS certificate and key from %q and %q", certPath, keyPath)
			if err := kpr.reload(); err != nil {
				logger.Printf("keeping old TLS certificate because the new one could not be loaded: %v", err)
			}
		}
	}()
	return kpr, nil
}

func (kpr *keypairReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(kpr.certPath, kpr.keyPath)
	if err != nil {
		return err
	}
	kpr.certMu.Lock()
	kpr.cert = &cert
	kpr.certMu.Unlock()
	return nil
}

func (kpr *keypairReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	kpr.certMu.RLock()
	defer kpr.certMu.RUnlock()
	return kpr.cert, nil
}

func (kpr *keypairReloader) getClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	kpr.certMu.RLock()
	defer kpr.certMu.RUnlock()
	return kpr.cert, nil
}

// GetTLSConfig builds a tls.Config from the file-path level TLSConfig.
// A nil result with a nil error means TLS is not configured.
func GetTLSConfig(cfg *TLSConfig, logger logger.Logger) (*tls.Config, error) {
	if cfg == nil {
		return nil, errors.Errorf("cannot parse nil tls config")
	}

	hasCA := len(cfg.CACertPath) > 0
	hasCert := len(cfg.CertificatePath) > 0 && len(cfg.CertificateKeyPath) > 0

	if hasCA && cfg.SkipVerify {
		return nil, errors.Errorf("cannot specify root certificate and disable certificate verification")
	}
	if !hasCert {
		return nil, nil
	}

	kpr, err := newKeypairReloader(cfg.CertificatePath, cfg.CertificateKeyPath, logger)
	if err != nil {
		return nil, errors.Wrap(err, "loading keypair")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify:   cfg.SkipVerify,
		MinVersion:           tls.VersionTLS12,
		GetCertificate:       kpr.getCertificate,
		GetClientCertificate: kpr.getClientCertificate,
	}

	if hasCA {
		b, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, errors.Wrap(err, "loading tls ca certificate")
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(b); !ok {
			return nil, errors.Errorf("parsing CA certificate")
		}
		tlsConfig.ClientCAs = certPool
		tlsConfig.RootCAs = certPool
	}

	if cfg.EnableClientVerification {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

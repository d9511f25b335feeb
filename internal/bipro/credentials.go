package bipro

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"golang.org/x/crypto/pkcs12"

	"atlas/pkg/apperror"
)

// Credentials describes one VU connection. Exactly one of the four
// authentication variants is populated; AuthMethod reports which.
type Credentials struct {
	Username     string
	Password     string
	EndpointURL  string
	VUName       string
	VUNumber     string
	STSURL       string
	ConsumerID   string

	PFXPath     string
	PFXPassword string

	JKSPath         string
	JKSPassword     string
	JKSAlias        string
	JKSKeyPassword  string

	CertPath string
	KeyPath  string
}

type AuthMethod string

const (
	AuthSTS         AuthMethod = "sts"
	AuthCertPFX     AuthMethod = "cert_pfx"
	AuthCertJKS     AuthMethod = "cert_jks"
	AuthCertPEM     AuthMethod = "cert_pem"
)

func (c Credentials) AuthMethod() AuthMethod {
	switch {
	case c.PFXPath != "":
		return AuthCertPFX
	case c.JKSPath != "":
		return AuthCertJKS
	case c.CertPath != "" && c.KeyPath != "":
		return AuthCertPEM
	default:
		return AuthSTS
	}
}

func (c Credentials) UsesCertificate() bool {
	return c.AuthMethod() != AuthSTS
}

// tempPEMPair is a PFX/JKS conversion result: two 0600 temp files holding
// the certificate chain and the unencrypted private key, tracked so the
// caller can erase them on shutdown.
type tempPEMPair struct {
	CertPath string
	KeyPath  string
}

func (p tempPEMPair) erase() {
	_ = os.Remove(p.CertPath)
	_ = os.Remove(p.KeyPath)
}

func writeTempPEM(prefix string, certPEM, keyPEM []byte) (tempPEMPair, error) {
	certFile, err := os.CreateTemp("", "bipro_"+prefix+"_cert_*.pem")
	if err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeInternal, "create temp cert file")
	}
	if _, err := certFile.Write(certPEM); err != nil {
		certFile.Close()
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeInternal, "write temp cert file")
	}
	certFile.Close()
	_ = os.Chmod(certFile.Name(), 0600)

	keyFile, err := os.CreateTemp("", "bipro_"+prefix+"_key_*.pem")
	if err != nil {
		_ = os.Remove(certFile.Name())
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeInternal, "create temp key file")
	}
	if _, err := keyFile.Write(keyPEM); err != nil {
		keyFile.Close()
		_ = os.Remove(certFile.Name())
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeInternal, "write temp key file")
	}
	keyFile.Close()
	_ = os.Chmod(keyFile.Name(), 0600)

	return tempPEMPair{CertPath: certFile.Name(), KeyPath: keyFile.Name()}, nil
}

// pfxToPEM converts a PKCS#12 keystore to a PEM cert chain + unencrypted
// PEM private key pair of temp files.
func pfxToPEM(path, password string) (tempPEMPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodePDFError, "read pfx file")
	}

	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeAuthUnrecoverable, "decode pfx: wrong password or corrupt file")
	}

	var certPEM []byte
	certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})...)
	for _, c := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeInternal, "marshal pfx private key")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return writeTempPEM("pfx", certPEM, keyPEM)
}

// jksToPEM converts a Java KeyStore to a PEM cert chain + unencrypted PEM
// private key pair of temp files. If alias is empty, the first private key
// entry found is used.
func jksToPEM(path, storePassword, alias, keyPassword string) (tempPEMPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodePDFError, "open jks file")
	}
	defer f.Close()

	ks := keystore.New()
	if err := ks.Load(f, []byte(storePassword)); err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeAuthUnrecoverable, "decode jks: wrong password or corrupt file")
	}

	if alias == "" {
		for _, a := range ks.Aliases() {
			if ks.IsPrivateKeyEntry(a) {
				alias = a
				break
			}
		}
		if alias == "" {
			return tempPEMPair{}, apperror.New(apperror.CodeAuthUnrecoverable, "jks keystore has no private key entries")
		}
	}

	if keyPassword == "" {
		keyPassword = storePassword
	}

	entry, err := ks.GetPrivateKeyEntry(alias, []byte(keyPassword))
	if err != nil {
		return tempPEMPair{}, apperror.Wrap(err, apperror.CodeAuthUnrecoverable, "jks alias not found or key password wrong")
	}

	var certPEM []byte
	for _, c := range entry.CertificateChain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Content})...)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: entry.PrivateKey})

	return writeTempPEM("jks", certPEM, keyPEM)
}

// tlsCertificate loads the cert/key pair into a tls.Certificate for mTLS.
func tlsCertificate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, apperror.Wrap(err, apperror.CodeAuthUnrecoverable, "load client certificate pair")
	}
	return cert, nil
}

package proxyengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsv4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"golang.org/x/oauth2"

	"github.com/autorouter/autorouter/internal/cryptoutil"
	"github.com/autorouter/autorouter/internal/domain"
)

// CredentialProvider injects the outbound credential for one upstream
// family onto a not-yet-sent request (spec §4.5 step 2, "inject upstream
// credential"). Implementations mutate req in place.
type CredentialProvider interface {
	Apply(ctx context.Context, u domain.Upstream, credential string, req *http.Request) error
}

// BearerCredentialProvider is the default: the decrypted credential is
// sent verbatim as a Bearer token, the shape every OpenAI-compatible and
// Anthropic upstream expects.
type BearerCredentialProvider struct{}

func (BearerCredentialProvider) Apply(_ context.Context, _ domain.Upstream, credential string, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+credential)
	return nil
}

// SigV4CredentialProvider signs the outbound request with AWS Signature
// V4, used for Bedrock-family upstreams whose credential is an
// "accessKeyID:secretAccessKey[:sessionToken]" triple. Repurposes the
// teacher's aws-sdk-go-v2 dependency (originally wired to a typed
// bedrockruntime client) as a raw request signer, since AutoRouter proxies
// at the HTTP level rather than through the SDK.
type SigV4CredentialProvider struct {
	Region string
}

func (s SigV4CredentialProvider) Apply(ctx context.Context, u domain.Upstream, credential string, req *http.Request) error {
	parts := strings.SplitN(credential, ":", 3)
	if len(parts) < 2 {
		return fmt.Errorf("proxyengine: sigv4 credential for upstream %s must be accessKeyID:secretAccessKey[:sessionToken]", u.ID)
	}
	accessKeyID, secretKey := parts[0], parts[1]
	sessionToken := ""
	if len(parts) == 3 {
		sessionToken = parts[2]
	}

	bodyHash, err := sha256HexOfBody(req)
	if err != nil {
		return fmt.Errorf("proxyengine: hash body for sigv4 signing: %w", err)
	}

	signer := awsv4.NewSigner()
	creds := aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretKey, SessionToken: sessionToken}
	return signer.SignHTTP(ctx, creds, req, bodyHash, "bedrock", s.Region, time.Now())
}

// OAuth2CredentialProvider refreshes and injects a bearer token for
// upstreams using the gemini_code_assist_internal capability, which
// authenticates via OAuth2 token exchange rather than a static API key.
// The credential string is a JSON-encoded oauth2.Token the registry
// persists (refreshed out of band); Apply refreshes it if expired.
type OAuth2CredentialProvider struct {
	Config *oauth2.Config
}

func (o OAuth2CredentialProvider) Apply(ctx context.Context, u domain.Upstream, credential string, req *http.Request) error {
	if o.Config == nil {
		return fmt.Errorf("proxyengine: oauth2 credential scheme requires an OAuth2Config for upstream %s", u.ID)
	}
	tok, err := decodeToken(credential)
	if err != nil {
		return fmt.Errorf("proxyengine: decode oauth2 token for upstream %s: %w", u.ID, err)
	}
	src := o.Config.TokenSource(ctx, tok)
	fresh, err := src.Token()
	if err != nil {
		return fmt.Errorf("proxyengine: refresh oauth2 token for upstream %s: %w", u.ID, err)
	}
	fresh.SetAuthHeader(req)
	return nil
}

// sha256HexOfBody computes the payload hash SigV4 signing requires
// without consuming req.Body, using the GetBody replay function
// http.NewRequest sets up for non-streaming bodies.
func sha256HexOfBody(req *http.Request) (string, error) {
	h := sha256.New()
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		if _, err := io.Copy(h, rc); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ResolveCredential decrypts an upstream's stored credential using enc.
func ResolveCredential(enc *cryptoutil.Encryptor, u domain.Upstream) (string, error) {
	return enc.DecryptString(u.EncryptedCredential)
}

func decodeToken(credential string) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(credential), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

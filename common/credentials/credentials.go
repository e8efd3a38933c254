package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/flowmesh/common/expr"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/repository"
)

// allowedFieldsKey is the metadata entry holding the comma-separated list of
// document fields the credential exposes to expressions. Absent means the
// credential is adapter-only: $credentials references to it always fail.
const allowedFieldsKey = "allowed_fields"

// RefreshFunc renews an expired credential, returning the replacement to
// persist. OAuth token refresh plugs in here; the default is no hook.
type RefreshFunc func(ctx context.Context, cred *models.Credential) (*models.Credential, error)

// ResolverOpts holds the constructor options for Resolver
type ResolverOpts struct {
	Store   repository.CredentialStore
	Key     string // hex-encoded 32-byte AES key
	Logger  *logger.Logger
	Refresh RefreshFunc
	Clock   func() time.Time
}

// Resolver loads, decrypts and brokers tenant credentials. Plaintext exists
// only inside a Secret between GetDecryptedSecret and Wipe.
type Resolver struct {
	store   repository.CredentialStore
	cipher  *Cipher
	log     *logger.Logger
	refresh RefreshFunc
	clock   func() time.Time
}

// NewResolver creates a resolver with the given options
func NewResolver(opts ResolverOpts) (*Resolver, error) {
	cipher, err := NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Resolver{
		store:   opts.Store,
		cipher:  cipher,
		log:     opts.Logger,
		refresh: opts.Refresh,
		clock:   clock,
	}, nil
}

func (r *Resolver) load(ctx context.Context, tenantID, credentialID string) (*models.Credential, error) {
	cred, err := r.store.GetCredential(ctx, tenantID, credentialID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, &fault.CredentialError{CredentialID: credentialID, Reason: "not found for tenant"}
		}
		return nil, fault.Infra("credential lookup", err)
	}
	return cred, nil
}

// GetDecryptedSecret loads and decrypts one credential. The caller owns the
// returned Secret and must Wipe it as soon as the adapter call returns.
func (r *Resolver) GetDecryptedSecret(ctx context.Context, tenantID, credentialID string) (*Secret, error) {
	cred, err := r.load(ctx, tenantID, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.Expired(r.clock()) {
		cred, err = r.refreshExpired(ctx, cred)
		if err != nil {
			return nil, err
		}
	}
	plaintext, err := r.cipher.Open(cred.Data)
	if err != nil {
		return nil, &fault.CredentialError{CredentialID: credentialID, Reason: "cannot decrypt: wrong key or corrupt data"}
	}
	return &Secret{CredentialID: cred.ID, Type: cred.Type, data: plaintext}, nil
}

func (r *Resolver) refreshExpired(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if r.refresh == nil {
		return nil, &fault.CredentialError{CredentialID: cred.ID, Reason: "expired"}
	}
	refreshed, err := r.refresh(ctx, cred)
	if err != nil {
		return nil, &fault.CredentialError{CredentialID: cred.ID, Reason: fmt.Sprintf("refresh failed: %v", err)}
	}
	if err := r.store.PutCredential(ctx, refreshed); err != nil {
		return nil, fault.Infra("credential refresh", err)
	}
	r.log.Info("refreshed expired credential", "credential_id", cred.ID, "type", cred.Type)
	return refreshed, nil
}

// Validate checks existence, tenant ownership and decryptability without
// keeping any plaintext around. Used at plan time so credential problems
// fail the run before adapters execute.
func (r *Resolver) Validate(ctx context.Context, tenantID, credentialID string) error {
	secret, err := r.GetDecryptedSecret(ctx, tenantID, credentialID)
	if err != nil {
		return err
	}
	secret.Wipe()
	return nil
}

// GetMetadata returns the credential without its sealed payload.
func (r *Resolver) GetMetadata(ctx context.Context, tenantID, credentialID string) (*models.Credential, error) {
	cred, err := r.load(ctx, tenantID, credentialID)
	if err != nil {
		return nil, err
	}
	cred.Data = nil
	return cred, nil
}

// RefreshIfNeeded renews the credential when it is past expiry. Without a
// refresh hook this is a no-op.
func (r *Resolver) RefreshIfNeeded(ctx context.Context, tenantID, credentialID string) error {
	cred, err := r.load(ctx, tenantID, credentialID)
	if err != nil {
		return err
	}
	if !cred.Expired(r.clock()) || r.refresh == nil {
		return nil
	}
	_, err = r.refreshExpired(ctx, cred)
	return err
}

// Source returns the expression-side view of this resolver for one tenant.
// Only fields named in the credential's allowed_fields metadata resolve;
// everything else errors so secrets cannot leak through templates.
func (r *Resolver) Source(ctx context.Context, tenantID string) expr.CredentialSource {
	return &exprSource{resolver: r, ctx: ctx, tenantID: tenantID}
}

type exprSource struct {
	resolver *Resolver
	ctx      context.Context
	tenantID string
}

func (s *exprSource) Field(credentialID, field string) (interface{}, error) {
	cred, err := s.resolver.load(s.ctx, s.tenantID, credentialID)
	if err != nil {
		return nil, err
	}
	if !fieldAllowed(cred, field) {
		return nil, &fault.CredentialError{
			CredentialID: credentialID,
			Reason:       fmt.Sprintf("field %q is not exposed to expressions", field),
		}
	}

	secret, err := s.resolver.GetDecryptedSecret(s.ctx, s.tenantID, credentialID)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe()

	res := gjson.GetBytes(secret.Raw(), field)
	if !res.Exists() {
		return expr.Undefined, nil
	}
	return materialize(res), nil
}

func fieldAllowed(cred *models.Credential, field string) bool {
	raw, ok := cred.Metadata[allowedFieldsKey]
	if !ok {
		return false
	}
	for _, f := range strings.Split(raw, ",") {
		if strings.TrimSpace(f) == field {
			return true
		}
	}
	return false
}

// materialize copies a gjson result into plain values. Results alias the
// decrypted buffer, which is zeroed right after, so every string must be
// detached from it here.
func materialize(res gjson.Result) interface{} {
	switch res.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return res.Num
	case gjson.String:
		return strings.Clone(res.Str)
	default:
		var v interface{}
		if err := json.Unmarshal([]byte(res.Raw), &v); err != nil {
			return strings.Clone(res.Raw)
		}
		return v
	}
}

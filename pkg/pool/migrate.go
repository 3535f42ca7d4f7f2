package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmax-ai/genbroker/pkg/credential"
)

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Added      int      `json:"added"`
	Superseded int      `json:"superseded"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
	Errors     []string `json:"errors,omitempty"`
}

// Supersede replaces the credential oldID with a credential built from rec.
// The replacement takes the old credential's position in the pool.
func (p *Pool) Supersede(ctx context.Context, oldID string, rec credential.Record) (credential.Credential, error) {
	c, err := rec.Build(p.decoder, p.now(), p.defaultQuota)
	if err != nil {
		return credential.Credential{}, err
	}

	p.mu.Lock()
	old, ok := p.byID[oldID]
	if !ok {
		p.mu.Unlock()
		return credential.Credential{}, fmt.Errorf("%w: %s", ErrUnknownCredential, oldID)
	}
	if _, dup := p.bySecret[secretKey(c.Secret)]; dup {
		p.mu.Unlock()
		return credential.Credential{}, ErrDuplicateCredential
	}
	oldRedacted := old.cred.Redacted()
	p.replaceLocked(old, c)
	p.mu.Unlock()

	slog.Info("credential superseded", "old", oldRedacted, "new", c.Redacted(), "source", c.Source)
	if err := p.deleteStored(ctx, oldID); err != nil {
		slog.Error("failed to delete superseded credential", "credential", oldRedacted, "error", err)
	}
	p.persist(ctx, c)
	return c, nil
}

// Import ingests records in bulk. A record whose issuer and subject match an
// existing credential supersedes it when the new secret expires later.
func (p *Pool) Import(ctx context.Context, recs []credential.Record) ImportReport {
	var report ImportReport
	for i, rec := range recs {
		c, err := rec.Build(p.decoder, p.now(), p.defaultQuota)
		if err != nil {
			report.Invalid++
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		p.mu.Lock()
		if _, dup := p.bySecret[secretKey(c.Secret)]; dup {
			p.mu.Unlock()
			report.Duplicates++
			continue
		}
		if old := p.findSameAccountLocked(c); old != nil {
			if !c.ExpiresAt.After(old.cred.ExpiresAt) {
				p.mu.Unlock()
				report.Duplicates++
				continue
			}
			oldID := old.cred.ID
			p.replaceLocked(old, c)
			p.mu.Unlock()

			if err := p.deleteStored(ctx, oldID); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			}
			p.persist(ctx, c)
			report.Superseded++
			continue
		}
		e := p.insertLocked(c)
		snapshot := e.cred
		p.mu.Unlock()

		p.persist(ctx, snapshot)
		report.Added++
	}

	slog.Info("credential import finished", "added", report.Added, "superseded", report.Superseded, "duplicates", report.Duplicates, "invalid", report.Invalid)
	return report
}

// IsDuplicate reports whether err came from re-adding pooled secret material.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateCredential)
}

func (p *Pool) findSameAccountLocked(c credential.Credential) *entry {
	if c.Subject == "" {
		return nil
	}
	for _, e := range p.entries {
		if e.cred.Issuer == c.Issuer && e.cred.Subject == c.Subject {
			return e
		}
	}
	return nil
}

func (p *Pool) replaceLocked(old *entry, c credential.Credential) {
	delete(p.byID, old.cred.ID)
	delete(p.bySecret, old.secretKey)

	old.cred = c
	old.secretKey = secretKey(c.Secret)
	old.reservations = make(map[string]time.Time)
	p.byID[c.ID] = old
	p.bySecret[old.secretKey] = old
}

/*
Package seed loads reference organizations from YAML.

PURPOSE:
  Development and staging environments start from a known set of
  organizations. The same document can be applied any number of times:
  existing organizations keep their balances and only have their status
  brought in line with the file.

YAML SCHEMA:
  organizations:
    - id: 2                      # optional; assigned when omitted
      legal_name: Pacific Fuels Ltd.
      type: fuel_supplier        # fuel_supplier | initiative_agreement_holder | broker | government
      status: Registered         # default Unregistered
      opening_units: 25000       # credited once, when the organization is created

SEE ALSO:
  - demo.yaml: the bundled demo data set
*/
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/lcfs/compliance-ledger/ledger"
)

//go:embed demo.yaml
var demo []byte

type Document struct {
	Organizations []Organization `yaml:"organizations"`
}

type Organization struct {
	ID           ledger.OrganizationID     `yaml:"id"`
	LegalName    string                    `yaml:"legal_name"`
	Type         ledger.OrganizationType   `yaml:"type"`
	Status       ledger.OrganizationStatus `yaml:"status"`
	OpeningUnits int64                     `yaml:"opening_units"`
}

// Result summarizes one Apply.
type Result struct {
	Created []ledger.OrganizationID
	Updated []ledger.OrganizationID
}

func Parse(r io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return Document{}, fmt.Errorf("failed to parse seed document: %w", err)
	}
	for i, o := range doc.Organizations {
		if o.LegalName == "" {
			return Document{}, ledger.NewValidationError(fmt.Sprintf("organizations[%d].legal_name", i), "is required")
		}
		if !o.Type.Valid() {
			return Document{}, ledger.NewValidationError(fmt.Sprintf("organizations[%d].type", i), fmt.Sprintf("unknown organization type %q", o.Type))
		}
		if o.OpeningUnits < 0 {
			return Document{}, ledger.NewValidationError(fmt.Sprintf("organizations[%d].opening_units", i), "must not be negative")
		}
	}
	return doc, nil
}

func ParseFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Demo returns the bundled demo document.
func Demo() Document {
	doc, err := Parse(bytes.NewReader(demo))
	if err != nil {
		panic(err)
	}
	return doc
}

// Apply creates missing organizations and aligns the status of existing
// ones. Organizations without an id are matched by legal name.
func Apply(ctx context.Context, svc *ledger.Service, doc Document) (Result, error) {
	existing, err := svc.Organizations(ctx)
	if err != nil {
		return Result{}, err
	}
	byID := map[ledger.OrganizationID]ledger.Organization{}
	byName := map[string]ledger.Organization{}
	for _, o := range existing {
		byID[o.ID] = o
		byName[o.LegalName] = o
	}

	var res Result
	for _, o := range doc.Organizations {
		cur, found := byID[o.ID]
		if o.ID == 0 {
			cur, found = byName[o.LegalName]
		}
		if found {
			if o.Status != "" && cur.Status != o.Status {
				if _, err := svc.SetOrganizationStatus(ctx, ledger.SystemActor, cur.ID, o.Status); err != nil {
					return res, fmt.Errorf("failed to update organization %d: %w", cur.ID, err)
				}
				res.Updated = append(res.Updated, cur.ID)
			}
			continue
		}

		created, err := svc.CreateOrganization(ctx, ledger.SystemActor, ledger.NewOrganization{
			ID:        o.ID,
			LegalName: o.LegalName,
			Type:      o.Type,
			Status:    o.Status,
		})
		if err != nil {
			return res, fmt.Errorf("failed to create organization %q: %w", o.LegalName, err)
		}
		if o.OpeningUnits > 0 {
			if err := credit(ctx, svc, created.ID, o.OpeningUnits); err != nil {
				return res, err
			}
		}
		res.Created = append(res.Created, created.ID)
	}
	return res, nil
}

func credit(ctx context.Context, svc *ledger.Service, org ledger.OrganizationID, units int64) error {
	return svc.Run(ctx, "seed.opening_balance", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Append(ctx, ledger.AppendInput{
			OrganizationID:   org,
			ComplianceUnits:  units,
			Action:           ledger.ActionAdjustment,
			EffectiveDate:    sess.Now(),
			WorkflowKind:     ledger.KindAdminAdjustment,
			WorkflowID:       "seed-" + strconv.FormatInt(int64(org), 10),
			GovernmentIssued: true,
		})
		return err
	})
}

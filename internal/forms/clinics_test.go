package forms

import (
	"context"
	"errors"
	"testing"

	"cards/internal/infra/persistence/memory"
	"cards/pkg/domain"
)

func TestCreateClinicAddsMappingAndDashboard(t *testing.T) {
	store := memory.NewStore(nil)
	ctx := context.Background()
	c := Clinic{Name: "Cardio/7", DisplayName: "Cardiology", SidebarLabel: "Cardio", Survey: "Cardiology", TokenLifetime: 2}
	var path string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		n, err := CreateClinic(tx, c)
		path = n.Path()
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if path != "/Proms/ClinicMapping/Cardio_7" {
		t.Fatalf("unexpected clinic path %s", path)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		clinic := v.Node(path)
		if got, _ := clinic.Property(domain.PropClinicName); got.String() != "Cardio/7" {
			t.Fatalf("clinic name not stored: %q", got.String())
		}
		if days, _ := clinic.Property(domain.PropTokenLifetime); days.String() != "2" {
			t.Fatalf("unexpected token lifetime %q", days.String())
		}
		if v.Node(ClinicMappingRoot).PrimaryType() != domain.NodeTypeClinicFolder {
			t.Fatalf("expected clinic mapping folder")
		}
		ext := v.Node(DashboardExtensionPoint + "/Cardio_7")
		if ext.PrimaryType() != domain.NodeTypeExtension {
			t.Fatalf("expected dashboard extension")
		}
		if target, _ := ext.Property(PropTargetURL); target.String() != "/content.html/Dashboard/Cardio_7" {
			t.Fatalf("unexpected target %q", target.String())
		}
		return nil
	})

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := CreateClinic(tx, c)
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := CreateClinic(tx, Clinic{Name: "Other", DisplayName: "Other"})
		return err
	})
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("expected missing parameter, got %v", err)
	}
}

package forms

import (
	"errors"
	"fmt"
	"strings"

	"cards/pkg/domain"
)

const (
	// ClinicMappingRoot holds the clinic mappings created over HTTP.
	ClinicMappingRoot = "/Proms/ClinicMapping"
	// DashboardExtensionPoint lists one dashboard view per clinic.
	DashboardExtensionPoint = "/Extensions/DashboardViews"

	PropExtensionPointID = "cards:extensionPointId"
	PropExtensionName    = "cards:extensionName"
	PropTargetURL        = "cards:targetURL"
)

// ErrMissingParameter reports a required clinic field left empty.
var ErrMissingParameter = errors.New("missing parameter")

// Clinic is the content of a cards:ClinicMapping node.
type Clinic struct {
	Name             string
	DisplayName      string
	SidebarLabel     string
	Survey           string
	EmergencyContact string
	Description      string
	TokenLifetime    int64
}

func (c Clinic) validate() error {
	for field, v := range map[string]string{
		domain.PropClinicName:   c.Name,
		domain.PropDisplayName:  c.DisplayName,
		domain.PropSidebarLabel: c.SidebarLabel,
		domain.PropSurvey:       c.Survey,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s", ErrMissingParameter, field)
		}
	}
	if c.TokenLifetime < 0 {
		return fmt.Errorf("%w: tokenLifetime must not be negative", ErrMissingParameter)
	}
	return nil
}

// clinicNodeName turns a clinic name into a path segment.
func clinicNodeName(name string) string {
	return strings.NewReplacer("/", "_", "[", "_", "]", "_", "|", "_", "*", "_").Replace(strings.TrimSpace(name))
}

// CreateClinic adds a clinic mapping and its dashboard extension. A clinic
// whose name is already mapped yields domain.ErrConflict.
func CreateClinic(tx domain.Transaction, c Clinic) (domain.NodeState, error) {
	if err := c.validate(); err != nil {
		return domain.NodeState{}, err
	}
	existing, err := tx.Query(domain.Query{
		NodeType: domain.NodeTypeClinicMapping,
		Where:    []domain.Condition{domain.Where(domain.PropClinicName, domain.OpEq, domain.StringValue(c.Name))},
		Limit:    1,
	})
	if err != nil {
		return domain.NodeState{}, err
	}
	if len(existing) > 0 {
		return domain.NodeState{}, fmt.Errorf("%w: clinic %q already exists", domain.ErrConflict, c.Name)
	}
	if _, err := tx.EnsureNode(ClinicMappingRoot, domain.NodeTypeClinicFolder); err != nil {
		return domain.NodeState{}, err
	}
	name := clinicNodeName(c.Name)
	if tx.Node(domain.JoinPath(ClinicMappingRoot, name)).Exists() {
		return domain.NodeState{}, fmt.Errorf("%w: clinic %q already exists", domain.ErrConflict, c.Name)
	}
	clinic, err := tx.AddNode(ClinicMappingRoot, name, domain.NodeTypeClinicMapping)
	if err != nil {
		return domain.NodeState{}, err
	}
	props := map[string]domain.Property{
		domain.PropClinicName:   domain.StringValue(c.Name),
		domain.PropDisplayName:  domain.StringValue(c.DisplayName),
		domain.PropSidebarLabel: domain.StringValue(c.SidebarLabel),
		domain.PropSurvey:       domain.StringValue(c.Survey),
	}
	if c.EmergencyContact != "" {
		props[domain.PropEmergencyContact] = domain.StringValue(c.EmergencyContact)
	}
	if c.Description != "" {
		props[domain.PropDescription] = domain.StringValue(c.Description)
	}
	if c.TokenLifetime > 0 {
		props[domain.PropTokenLifetime] = domain.LongValue(c.TokenLifetime)
	}
	for k, v := range props {
		if err := tx.SetProperty(clinic.Path(), k, v); err != nil {
			return domain.NodeState{}, err
		}
	}
	if err := addDashboard(tx, name, c); err != nil {
		return domain.NodeState{}, err
	}
	return tx.Node(clinic.Path()), nil
}

func addDashboard(tx domain.Transaction, name string, c Clinic) error {
	point, err := tx.EnsureNode(DashboardExtensionPoint, domain.NodeTypeExtensionPoint)
	if err != nil {
		return err
	}
	order := int64(len(point.ChildNames()) + 1)
	ext, err := tx.AddNode(point.Path(), name, domain.NodeTypeExtension)
	if err != nil {
		return err
	}
	props := map[string]domain.Property{
		PropExtensionPointID:    domain.StringValue("cards/coreUI/dashboard"),
		PropExtensionName:       domain.StringValue(c.SidebarLabel),
		PropTargetURL:           domain.StringValue("/content.html/Dashboard/" + name),
		domain.PropDisplayName:  domain.StringValue(c.DisplayName),
		domain.PropDefaultOrder: domain.LongValue(order),
	}
	for k, v := range props {
		if err := tx.SetProperty(ext.Path(), k, v); err != nil {
			return err
		}
	}
	return nil
}

// ClinicOf resolves the clinic answer of a visit form, which holds either the
// clinic mapping path or its identifier.
func ClinicOf(v domain.TransactionView, form, visitQuestionnaire domain.NodeState, question string) domain.NodeState {
	ref := AnswerText(form, visitQuestionnaire, question)
	if ref == "" {
		return domain.NodeState{}
	}
	clinic := v.Node(ref)
	if !clinic.Exists() {
		clinic = v.ByIdentifier(ref)
	}
	if !clinic.IsNodeType(domain.NodeTypeClinicMapping) {
		return domain.NodeState{}
	}
	return clinic
}

// LatestForm returns the most recently created form of q for subject.
func LatestForm(v domain.TransactionView, q, subject domain.NodeState) domain.NodeState {
	if !q.Exists() {
		return domain.NodeState{}
	}
	found, err := FormsFor(v, q.Identifier(), subject.Identifier())
	if err != nil || len(found) == 0 {
		return domain.NodeState{}
	}
	return found[len(found)-1]
}

package mutuelle

import "fmt"

// Table names a mirrored remote table.
type Table string

const (
	TableContracts             Table = "contracts"
	TableInsuredPersons        Table = "insured_persons"
	TableBeneficiaries         Table = "beneficiaries"
	TableContributions         Table = "contributions"
	TableContributionPayments  Table = "contribution_payments"
	TableReimbursements        Table = "reimbursements"
	TableProviders             Table = "providers"
	TableDocuments             Table = "documents"
	TableReimbursementCeilings Table = "reimbursement_ceilings"
	TableHealthDeclarations    Table = "health_declarations"
	TableAuditEntries          Table = "audit_entries"
	TableCareAuthorizations    Table = "care_authorizations"
)

// AllTables returns every mirrored table in pull order.
func AllTables() []Table {
	return []Table{
		TableContracts,
		TableInsuredPersons,
		TableBeneficiaries,
		TableContributions,
		TableContributionPayments,
		TableReimbursements,
		TableProviders,
		TableDocuments,
		TableReimbursementCeilings,
		TableHealthDeclarations,
		TableAuditEntries,
		TableCareAuthorizations,
	}
}

// IsValid reports whether t is one of the mirrored tables.
func (t Table) IsValid() bool {
	for _, valid := range AllTables() {
		if t == valid {
			return true
		}
	}
	return false
}

// ParseTable converts a name to a Table, rejecting unknown names.
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

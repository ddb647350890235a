package mutuelle

import (
	"context"
	"sort"
)

// ContractDetails is a contract with the rows that reference it.
type ContractDetails struct {
	Contract       Item[Contract]         `json:"contract"`
	InsuredPersons []InsuredPerson        `json:"insured_persons"`
	Beneficiaries  []Beneficiary          `json:"beneficiaries"`
	Ceilings       []ReimbursementCeiling `json:"ceilings"`
}

// ContractDetails joins every contract with its insured persons,
// beneficiaries and reimbursement ceilings, scanning each table once.
func (c *Client) ContractDetails(ctx context.Context) []ContractDetails {
	contracts := c.contracts.List(ctx)

	persons := make(map[string][]InsuredPerson)
	for _, it := range c.insuredPersons.List(ctx) {
		persons[it.Value.ContractID] = append(persons[it.Value.ContractID], it.Value)
	}
	beneficiaries := make(map[string][]Beneficiary)
	for _, it := range c.beneficiaries.List(ctx) {
		beneficiaries[it.Value.ContractID] = append(beneficiaries[it.Value.ContractID], it.Value)
	}
	ceilings := make(map[string][]ReimbursementCeiling)
	for _, it := range c.reimbursementCeilings.List(ctx) {
		ceilings[it.Value.ContractID] = append(ceilings[it.Value.ContractID], it.Value)
	}

	out := make([]ContractDetails, 0, len(contracts))
	for _, ct := range contracts {
		id := ct.Value.ID
		d := ContractDetails{
			Contract:       ct,
			InsuredPersons: persons[id],
			Beneficiaries:  beneficiaries[id],
			Ceilings:       ceilings[id],
		}
		sort.Slice(d.InsuredPersons, func(i, j int) bool {
			return d.InsuredPersons[i].LastName < d.InsuredPersons[j].LastName
		})
		out = append(out, d)
	}
	return out
}

// ContractDetail returns the joined view of one contract.
// Returns ErrNotFound when the contract is absent.
func (c *Client) ContractDetail(ctx context.Context, id string) (*ContractDetails, error) {
	ct, err := c.contracts.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &ContractDetails{Contract: *ct}
	for _, it := range c.insuredPersons.List(ctx) {
		if it.Value.ContractID == id {
			d.InsuredPersons = append(d.InsuredPersons, it.Value)
		}
	}
	for _, it := range c.beneficiaries.List(ctx) {
		if it.Value.ContractID == id {
			d.Beneficiaries = append(d.Beneficiaries, it.Value)
		}
	}
	for _, it := range c.reimbursementCeilings.List(ctx) {
		if it.Value.ContractID == id {
			d.Ceilings = append(d.Ceilings, it.Value)
		}
	}
	return d, nil
}

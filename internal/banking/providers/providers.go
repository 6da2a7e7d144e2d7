// Package providers assembles the factory with every bank integration the
// service ships.
package providers

import (
	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/banking/fio"
	"billing-reconciliation-backend/internal/banking/plaid"
)

// goCardless is declared so operators see it in the provider list; its
// adapter is not written yet and creating one fails with
// banking.ErrProviderNotImplemented.
var goCardless = banking.ProviderSpec{
	ID:             "gocardless",
	DisplayName:    "GoCardless Bank Account Data",
	RequiredFields: []string{"secret_id", "secret_key", "requisition_id"},
}

func NewDefaultFactory(deps banking.Deps) *banking.Factory {
	f := banking.NewFactory(deps)
	f.Register(fio.Spec())
	f.Register(plaid.Spec())
	f.Register(goCardless)
	return f
}

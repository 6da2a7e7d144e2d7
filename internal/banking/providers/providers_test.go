package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-reconciliation-backend/internal/banking"
	"billing-reconciliation-backend/internal/banking/fio"
	"billing-reconciliation-backend/internal/banking/plaid"
)

func TestNewDefaultFactory(t *testing.T) {
	f := NewDefaultFactory(banking.Deps{})

	assert.Equal(t, []string{"fio", "gocardless", "plaid"}, f.Providers())

	a, err := f.CreateAdapter("fio", banking.Config{"token": "t"})
	require.NoError(t, err)
	assert.IsType(t, &fio.Adapter{}, a)

	a, err = f.CreateAdapter("plaid", banking.Config{"client_id": "c", "secret": "s", "access_token": "a"})
	require.NoError(t, err)
	assert.IsType(t, &plaid.Adapter{}, a)

	_, err = f.CreateAdapter("gocardless", banking.Config{"secret_id": "a", "secret_key": "b", "requisition_id": "c"})
	assert.ErrorIs(t, err, banking.ErrProviderNotImplemented)
	assert.ErrorIs(t, err, banking.ErrUnsupportedProvider)

	fields, err := f.RequiredFields("plaid")
	require.NoError(t, err)
	assert.Equal(t, []string{"client_id", "secret", "access_token"}, fields)
}

package meridian_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
)

func TestStatementValidate(t *testing.T) {
	stmt := &meridian.Statement{
		Kind:        meridian.StatementCreateTable,
		CreateTable: &meridian.CreateTableStatement{Name: "accounts"},
	}
	assert.NoError(t, stmt.Validate())
	assert.True(t, stmt.IsDDL())

	// A kind whose payload is missing fails.
	stmt = &meridian.Statement{Kind: meridian.StatementDrop}
	err := stmt.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, meridian.ErrInvalidStatement))

	// Unknown kinds fail.
	stmt = &meridian.Statement{Kind: "explain"}
	assert.True(t, errors.Is(stmt.Validate(), meridian.ErrInvalidStatement))

	// Reads are not DDL.
	sel := &meridian.Statement{
		Kind:   meridian.StatementSelect,
		Select: &meridian.SelectStatement{From: meridian.ObjectNames{"accounts"}},
	}
	assert.NoError(t, sel.Validate())
	assert.False(t, sel.IsDDL())

	ins := &meridian.Statement{
		Kind:   meridian.StatementInsert,
		Insert: &meridian.InsertStatement{Table: "accounts"},
	}
	assert.NoError(t, ins.Validate())
	assert.False(t, ins.IsDDL())
}

package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "storefrontctl", cmd.Use)
	assert.Contains(t, cmd.Long, "SQLite")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"seed"},
		{"cart", "view"},
		{"cart", "add"},
		{"cart", "inc"},
		{"cart", "dec"},
		{"cart", "rm"},
		{"checkout"},
		{"orders", "list"},
		{"orders", "show"},
		{"orders", "transition"},
		{"orders", "cancel"},
		{"carts", "purge"},
	}
	for _, path := range paths {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	db := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, db)
	assert.Equal(t, "storefront.db", db.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	_, _, err := execute(t, t.TempDir()+"/x.db", "--format", "yaml", "cart", "view", "--owner", "u-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseOwner(t *testing.T) {
	owner, err := parseOwner("session:s-1")
	require.NoError(t, err)
	assert.Equal(t, "session:s-1", owner.Key())

	owner, err = parseOwner("u-9")
	require.NoError(t, err)
	assert.Equal(t, "user:u-9", owner.Key())

	_, err = parseOwner("robot:r-1")
	require.Error(t, err)

	_, err = parseOwner("  ")
	require.Error(t, err)
}

func TestParseCatalogValidation(t *testing.T) {
	_, err := ParseCatalog([]byte(`
products:
  - {id: "", price: 10}
  - {id: p-1, price: -1}
  - {id: p-2, stock: 1}
  - {id: p-2, stock: 1}
addresses:
  - {id: a-1, owner: nobody}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "products[0]: id is required")
	assert.Contains(t, err.Error(), "products[1]: price must not be negative")
	assert.Contains(t, err.Error(), `products[3]: duplicate id "p-2"`)
	assert.Contains(t, err.Error(), "addresses[0]")

	catalog, err := ParseCatalog([]byte("products:\n  - {id: p-1, name: Pen, price: 500, stock: 2, active: false}\n"))
	require.NoError(t, err)
	require.Len(t, catalog.Products, 1)
	product := catalog.Products[0].toDomain("jpy")
	assert.False(t, product.Active)
	assert.Equal(t, "p-1", product.Code)
}

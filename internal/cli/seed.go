package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hanko-field/storefront/internal/domain"
)

// Catalog is the seed file layout.
type Catalog struct {
	Products  []CatalogProduct `yaml:"products"`
	Addresses []CatalogAddress `yaml:"addresses"`
}

// CatalogProduct describes one product row. Active defaults to true.
type CatalogProduct struct {
	ID        string `yaml:"id"`
	Code      string `yaml:"code"`
	Name      string `yaml:"name"`
	Price     int64  `yaml:"price"`
	SalePrice *int64 `yaml:"sale_price"`
	Currency  string `yaml:"currency"`
	Stock     int    `yaml:"stock"`
	Active    *bool  `yaml:"active"`
}

// CatalogAddress describes one address book entry. Owner uses the "user:<id>" or "session:<id>" form.
type CatalogAddress struct {
	ID         string `yaml:"id"`
	Owner      string `yaml:"owner"`
	Label      string `yaml:"label"`
	Recipient  string `yaml:"recipient"`
	Company    string `yaml:"company"`
	Line1      string `yaml:"line1"`
	Line2      string `yaml:"line2"`
	City       string `yaml:"city"`
	Region     string `yaml:"region"`
	PostalCode string `yaml:"postal_code"`
	Country    string `yaml:"country"`
	Phone      string `yaml:"phone"`
	Default    bool   `yaml:"default"`
}

// SeedResult summarises a seed run.
type SeedResult struct {
	Products  int `json:"products"`
	Addresses int `json:"addresses"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load products and addresses from a YAML catalog",
		Long: `Load products and addresses from a YAML catalog.

Example catalog:
  products:
    - {id: p-1, code: PEN, name: Pen, price: 500, stock: 10}
  addresses:
    - {id: a-1, owner: "user:u-1", recipient: Hanako, line1: 1-1, city: Tokyo, postal_code: 100-0001, country: JP, default: true}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, file, cmd)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSeed(opts *RootOptions, file string, cmd *cobra.Command) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "read catalog", err)
	}
	catalog, err := ParseCatalog(raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "parse catalog", err)
	}

	ctx := cmd.Context()
	container, closeFn, err := openContainer(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	formatter := newFormatter(opts, cmd)

	products := container.Repositories.Products()
	addresses := container.Repositories.Addresses()
	var result SeedResult
	err = container.Repositories.RunInTx(ctx, func(ctx context.Context) error {
		for _, p := range catalog.Products {
			product := p.toDomain(opts.Currency)
			if _, err := products.Upsert(ctx, product); err != nil {
				return fmt.Errorf("product %s: %w", product.ID, err)
			}
			formatter.VerboseLog("seeded product %s (stock %d)", product.ID, product.Stock)
			result.Products++
		}
		for _, a := range catalog.Addresses {
			address, err := a.toDomain()
			if err != nil {
				return err
			}
			if _, err := addresses.Upsert(ctx, address); err != nil {
				return fmt.Errorf("address %s: %w", address.ID, err)
			}
			result.Addresses++
		}
		return nil
	})
	if err != nil {
		return formatter.Fail(err)
	}
	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Seeded %d product(s) and %d address(es)\n", result.Products, result.Addresses)
	})
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return Catalog{}, err
	}
	var problems []error
	seen := make(map[string]struct{}, len(catalog.Products))
	for i, p := range catalog.Products {
		id := strings.TrimSpace(p.ID)
		switch {
		case id == "":
			problems = append(problems, fmt.Errorf("products[%d]: id is required", i))
		case p.Price < 0:
			problems = append(problems, fmt.Errorf("products[%d]: price must not be negative", i))
		case p.Stock < 0:
			problems = append(problems, fmt.Errorf("products[%d]: stock must not be negative", i))
		}
		if _, dup := seen[id]; dup && id != "" {
			problems = append(problems, fmt.Errorf("products[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
	}
	for i, a := range catalog.Addresses {
		if strings.TrimSpace(a.ID) == "" {
			problems = append(problems, fmt.Errorf("addresses[%d]: id is required", i))
		}
		if _, ok := domain.ParseOwnerKey(a.Owner); !ok {
			problems = append(problems, fmt.Errorf("addresses[%d]: owner %q must look like user:<id> or session:<id>", i, a.Owner))
		}
	}
	if len(problems) > 0 {
		return Catalog{}, errors.Join(problems...)
	}
	return catalog, nil
}

func (p CatalogProduct) toDomain(currency string) domain.Product {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	if strings.TrimSpace(p.Currency) != "" {
		currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	}
	code := strings.TrimSpace(p.Code)
	if code == "" {
		code = strings.TrimSpace(p.ID)
	}
	return domain.Product{
		ID:        strings.TrimSpace(p.ID),
		Code:      code,
		Name:      strings.TrimSpace(p.Name),
		Price:     p.Price,
		SalePrice: p.SalePrice,
		Currency:  currency,
		Stock:     p.Stock,
		Active:    active,
	}
}

func (a CatalogAddress) toDomain() (domain.Address, error) {
	owner, ok := domain.ParseOwnerKey(a.Owner)
	if !ok {
		return domain.Address{}, fmt.Errorf("address %s: invalid owner %q", a.ID, a.Owner)
	}
	return domain.Address{
		ID:         strings.TrimSpace(a.ID),
		Owner:      owner,
		Label:      a.Label,
		Recipient:  a.Recipient,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
		IsDefault:  a.Default,
	}, nil
}

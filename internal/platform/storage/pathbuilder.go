package storage

import (
	"fmt"
	"strings"
)

// ReceiptObjectPath returns the object key for an order receipt, grouped by
// owner kind so retention rules can differ for anonymous buyers.
func ReceiptObjectPath(ownerKind, orderID string) (string, error) {
	kind, err := validateSegment("ownerKind", ownerKind)
	if err != nil {
		return "", err
	}
	id, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("receipts/%s/%s/receipt.json", kind, id), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

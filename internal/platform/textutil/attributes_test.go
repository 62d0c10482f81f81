package textutil

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMessageAttributes(t *testing.T) {
	t.Run("cleans keys and values", func(t *testing.T) {
		input := map[string]string{
			" eventType ": " order.placed ",
			"orderId":     "ord-1",
			"actorId":     " ",
			"note":        "<b>rush</b>\tdelivery",
			" ":           "ignored",
			"":            "ignored",
		}

		expected := map[string]string{
			"eventType": "order.placed",
			"orderId":   "ord-1",
			"note":      "rush delivery",
		}

		actual := MessageAttributes(input)
		if !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("enforces size limits", func(t *testing.T) {
		longKey := strings.Repeat("k", maxAttributeKeyBytes+1)
		longValue := strings.Repeat("é", maxAttributeValueBytes)

		actual := MessageAttributes(map[string]string{
			longKey: "dropped",
			"memo":  longValue,
		})
		if _, ok := actual[longKey]; ok {
			t.Fatalf("expected oversized key to be dropped")
		}
		memo := actual["memo"]
		if len(memo) > maxAttributeValueBytes || !utf8.ValidString(memo) {
			t.Fatalf("expected value cut on a rune boundary within %d bytes, got %d bytes", maxAttributeValueBytes, len(memo))
		}
		if len(memo) != maxAttributeValueBytes {
			t.Fatalf("expected value to keep %d bytes, got %d", maxAttributeValueBytes, len(memo))
		}
	})

	t.Run("returns nil when nothing survives", func(t *testing.T) {
		if MessageAttributes(nil) != nil {
			t.Fatalf("expected nil for nil input")
		}
		if MessageAttributes(map[string]string{"actorId": "", " ": "x"}) != nil {
			t.Fatalf("expected nil when every entry is empty")
		}
	})
}

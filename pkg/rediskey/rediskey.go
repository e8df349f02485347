package rediskey

import "fmt"

const (
	LoyaltyPrefix  = "loyalty"
	BalancePrefix  = "loyalty:balance"
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildBalanceKey returns "loyalty:balance:{accountID}"
func BuildBalanceKey(accountID string) string {
	return NamespaceKey(BalancePrefix, accountID)
}

// BuildDailySequenceKey returns "seq:{prefix}:{yymmdd}"
func BuildDailySequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}

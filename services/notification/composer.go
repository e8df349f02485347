package notification

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"vhm24-loyalty/services/ledger"
)

// Message is what the member sees for one ledger transaction.
type Message struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

var ru = message.NewPrinter(language.Russian)

// points renders n with Russian digit grouping.
func points(n int64) string {
	return ru.Sprintf("%d", n)
}

// Compose maps a transaction to its notification. Titles for admin and
// unknown types follow the sign of amount. It performs no I/O.
func Compose(typ ledger.TransactionType, amount, balance int64, description string) Message {
	sign, abs := "+", amount
	if amount < 0 {
		sign, abs = "-", -amount
	}
	delta := sign + points(abs)
	tail := " Баланс: " + points(balance) + "."

	description = strings.TrimSpace(description)
	withDescription := func(base string) string {
		if description == "" {
			return base
		}
		return base + ": " + description
	}

	switch typ {
	case ledger.TaskCompletion:
		return Message{Title: "Задание выполнено!", Message: delta + " баллов за выполнение задания." + tail}
	case ledger.OrderReward:
		return Message{Title: "Кэшбэк за заказ!", Message: delta + " баллов кэшбэка за заказ." + tail}
	case ledger.ReferralBonus:
		return Message{Title: "Реферальный бонус!", Message: delta + " баллов за приглашение друга."}
	case ledger.AdminAdjustment:
		if amount < 0 {
			return Message{Title: "Корректировка баланса", Message: withDescription(delta+" баллов") + "." + tail}
		}
		return Message{Title: "Начисление баллов", Message: withDescription(delta+" баллов") + "." + tail}
	case ledger.Redemption:
		return Message{Title: "Оплата баллами", Message: delta + " баллов для оплаты заказа." + tail}
	case ledger.Expiration:
		return Message{Title: "Баллы истекли", Message: delta + " баллов в связи с истечением срока." + tail}
	default:
		if amount < 0 {
			return Message{Title: "Списание баллов", Message: delta + " баллов." + tail}
		}
		return Message{Title: "Начисление баллов", Message: delta + " баллов." + tail}
	}
}

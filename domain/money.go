package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// SettlementCurrency валюта расчётов с платёжным шлюзом.
const SettlementCurrency = "VND"

// usdToVNDRate фиксированный курс конвертации USD в VND.
const usdToVNDRate = 25000

// NormalizeAmount приводит сумму к целым VND. Конвертация выполняется
// один раз при создании саги, дальше по пайплайну ходит только int64.
// Неизвестная валюта отклоняет запрос до создания саги.
func NormalizeAmount(amount float64, currency string) (int64, error) {
	if amount <= 0 {
		return 0, core.NewError(core.ErrInvalidInput, fmt.Sprintf("amount must be positive, got %v", amount))
	}
	switch strings.ToUpper(currency) {
	case "VND":
		return int64(math.Round(amount)), nil
	case "USD":
		return int64(math.Round(amount * usdToVNDRate)), nil
	default:
		return 0, core.NewError(core.ErrInvalidInput, "unsupported currency: "+currency)
	}
}

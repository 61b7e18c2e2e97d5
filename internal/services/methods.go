package services

import (
	"fmt"
	"regexp"
	"strings"

	"payments-api/internal/models"
)

// PaymentInstructions tells the customer how to confirm a mobile-money
// payment on their handset
type PaymentInstructions struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
	Note  string   `json:"note"`
}

// MethodInfo describes a supported payment method for the client
type MethodInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Description  string `json:"description"`
	FeePercent   string `json:"fees"`
	MinAmountXOF int64  `json:"min_amount"`
	MaxAmountXOF int64  `json:"max_amount"`
	Available    bool   `json:"available"`
}

// methodLimits are the DEXCHANGE per-method amount bounds in XOF
type methodLimits struct {
	min int64
	max int64
}

// methodFees is the DEXCHANGE fee structure per method
type methodFees struct {
	percentage float64
	maxFeeXOF  int64
}

var (
	amountLimits = map[string]methodLimits{
		models.PaymentMethodWave:        {min: 500, max: 2_000_000},
		models.PaymentMethodOrangeMoney: {min: 100, max: 1_500_000},
	}

	feeSchedule = map[string]methodFees{
		models.PaymentMethodWave:        {percentage: 0.02, maxFeeXOF: 1000},
		models.PaymentMethodOrangeMoney: {percentage: 0.025, maxFeeXOF: 1500},
	}

	localPhonePattern = regexp.MustCompile(`^[76][0-9]{8}$`)
	nonPhoneChars     = regexp.MustCompile(`[^\d+]`)
)

// IsSupportedMethod reports whether the payment method is one of the two
// supported mobile-money providers
func IsSupportedMethod(method string) bool {
	return method == models.PaymentMethodWave || method == models.PaymentMethodOrangeMoney
}

// FormatSenegalPhone normalizes a customer phone number to +221XXXXXXXXX.
// Numbers that cannot be normalized are rejected.
func FormatSenegalPhone(phoneNumber string) (string, error) {
	cleaned := nonPhoneChars.ReplaceAllString(phoneNumber, "")

	switch {
	case strings.HasPrefix(cleaned, "+221") && localPhonePattern.MatchString(cleaned[4:]):
		return cleaned, nil
	case strings.HasPrefix(cleaned, "221") && localPhonePattern.MatchString(cleaned[3:]):
		return "+" + cleaned, nil
	case localPhonePattern.MatchString(cleaned):
		return "+221" + cleaned, nil
	case strings.HasPrefix(cleaned, "0") && len(cleaned) == 10 && localPhonePattern.MatchString(cleaned[1:]):
		return "+221" + cleaned[1:], nil
	}

	return "", fmt.Errorf("invalid Senegal phone number: %q", phoneNumber)
}

// ValidateAmount checks the amount against the method's DEXCHANGE limits
func ValidateAmount(method string, amountXOF int64) error {
	limits, ok := amountLimits[method]
	if !ok {
		return fmt.Errorf("unsupported payment method: %s", method)
	}
	if amountXOF < limits.min {
		return fmt.Errorf("minimum amount is %d XOF", limits.min)
	}
	if amountXOF > limits.max {
		return fmt.Errorf("maximum amount is %d XOF", limits.max)
	}
	return nil
}

// ComputeFee returns the gateway fee and total for a payment method
func ComputeFee(method string, amountXOF int64) (feeXOF, totalXOF int64) {
	fees, ok := feeSchedule[method]
	if !ok {
		return 0, amountXOF
	}
	fee := int64(float64(amountXOF)*fees.percentage + 0.5)
	if fee > fees.maxFeeXOF {
		fee = fees.maxFeeXOF
	}
	return fee, amountXOF + fee
}

// SupportedMethods lists the payment methods exposed to clients
func SupportedMethods() []MethodInfo {
	return []MethodInfo{
		{
			ID:           models.PaymentMethodWave,
			Name:         "Wave",
			DisplayName:  "Wave Mobile Money",
			Description:  "Paiement rapide et sécurisé avec Wave",
			FeePercent:   "Frais: 2%",
			MinAmountXOF: amountLimits[models.PaymentMethodWave].min,
			MaxAmountXOF: amountLimits[models.PaymentMethodWave].max,
			Available:    true,
		},
		{
			ID:           models.PaymentMethodOrangeMoney,
			Name:         "Orange Money",
			DisplayName:  "Orange Money Sénégal",
			Description:  "Paiement avec votre compte Orange Money",
			FeePercent:   "Frais: 2.5%",
			MinAmountXOF: amountLimits[models.PaymentMethodOrangeMoney].min,
			MaxAmountXOF: amountLimits[models.PaymentMethodOrangeMoney].max,
			Available:    true,
		},
	}
}

// InstructionsFor builds the customer-facing confirmation steps for a
// payment method
func InstructionsFor(method, phoneNumber string, amountXOF int64) *PaymentInstructions {
	amount := fmt.Sprintf("%d XOF", amountXOF)

	switch method {
	case models.PaymentMethodWave:
		return &PaymentInstructions{
			Title: "Paiement Wave",
			Steps: []string{
				"Ouvrez votre application Wave",
				"Composez *144*ARCADIS# ou envoyez \"ARCADIS\" au 144",
				fmt.Sprintf("Confirmez le paiement de %s", amount),
				"Saisissez votre code PIN Wave",
				"Vous recevrez un SMS de confirmation",
			},
			Note: "Le paiement sera traité dans les 2-3 minutes",
		}
	case models.PaymentMethodOrangeMoney:
		return &PaymentInstructions{
			Title: "Paiement Orange Money",
			Steps: []string{
				"Composez #144*ARCADIS# depuis votre téléphone Orange",
				fmt.Sprintf("Confirmez le paiement de %s", amount),
				"Saisissez votre code PIN Orange Money",
				"Validez la transaction",
				"Vous recevrez un SMS de confirmation",
			},
			Note: "Le paiement sera traité dans les 2-3 minutes",
		}
	default:
		return &PaymentInstructions{
			Title: "Instructions de paiement",
			Steps: []string{
				"Suivez les instructions reçues par SMS",
				fmt.Sprintf("Confirmez le paiement de %s", amount),
				"Saisissez votre code PIN",
				"Validez la transaction",
			},
			Note: "Le paiement sera traité dans quelques minutes",
		}
	}
}

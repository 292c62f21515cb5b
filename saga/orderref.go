package saga

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// OrderRefPrefix отличает референсы саги оплаты подписки от других
// типов заказов в общем пространстве платёжного шлюза.
const OrderRefPrefix = "SUB_"

// EncodeOrderRef строит внешний референс заказа из correlation id.
// Шлюз не умеет переносить UUID с дефисами, поэтому референс это
// префикс плюс 32 hex символа.
func EncodeOrderRef(correlationID uuid.UUID) string {
	return OrderRefPrefix + hex.EncodeToString(correlationID[:])
}

// DecodeOrderRef извлекает correlation id из внешнего референса.
// Чужой префикс или невалидный hex возвращают ошибку с кодом
// DECODE_FAILED. Вызывающие обязаны трактовать её как routing miss,
// тот же endpoint шлюза обслуживает и другие типы заказов.
func DecodeOrderRef(orderRef string) (uuid.UUID, error) {
	if !strings.HasPrefix(orderRef, OrderRefPrefix) {
		return uuid.Nil, core.NewError(core.ErrDecodeFailed, "order reference has foreign prefix: "+orderRef)
	}
	raw := strings.TrimPrefix(orderRef, OrderRefPrefix)
	if len(raw) != 32 {
		return uuid.Nil, core.NewError(core.ErrDecodeFailed, "order reference has invalid length: "+orderRef)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return uuid.Nil, core.Wrap(err, core.ErrDecodeFailed, "order reference is not valid hex: "+orderRef)
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, core.Wrap(err, core.ErrDecodeFailed, "order reference is not a valid uuid: "+orderRef)
	}
	return id, nil
}

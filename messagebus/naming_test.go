package messagebus

import (
	"strings"
	"testing"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
)

// Kafka и Redis отображают subject в имя топика или stream буквально,
// поэтому подписка видит публикацию только при точном совпадении
// subject'а. Проверяется контракт для всех subject'ов биллинга.
func TestTopicNamingMatchesPublishAndSubscribe(t *testing.T) {
	redisAdapter, err := NewRedisAdapter(DefaultRedisConfig())
	if err != nil {
		t.Fatalf("NewRedisAdapter failed: %v", err)
	}

	for _, eventType := range domain.EventTypes() {
		subject := domain.SubjectFor(eventType)

		topic := topicName(subject)
		if strings.ContainsAny(topic, ".*>") {
			t.Errorf("kafka topic %q carries characters invalid for a literal topic", topic)
		}

		stream := redisAdapter.streamName(subject)
		if strings.ContainsAny(stream, "*>") {
			t.Errorf("redis stream %q carries wildcard characters", stream)
		}
	}

	// Разные типы событий не должны схлопываться в один топик.
	seen := make(map[string]string)
	for _, eventType := range domain.EventTypes() {
		topic := topicName(domain.SubjectFor(eventType))
		if prev, ok := seen[topic]; ok {
			t.Errorf("event types %s and %s map to the same kafka topic %q", prev, eventType, topic)
		}
		seen[topic] = eventType
	}
}

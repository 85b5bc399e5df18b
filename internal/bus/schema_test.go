package bus

import "testing"

func TestPayloadValidatorAcceptsValidBodies(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator: %v", err)
	}

	cases := map[string]string{
		TopicDownload:     `{"task_id":"t1","source_ref":"r1"}`,
		TopicUpload:       `{"task_id":"t1","local_path":"/tmp/a"}`,
		TopicMediaBatch:   `{"user_id":"u1","chat_id":"c1","items":[{"file_name":"a.mkv"}]}`,
		TopicSystemEvents: `{"type":"task.queued"}`,
	}
	for topic, body := range cases {
		if err := v.Validate(topic, []byte(body)); err != nil {
			t.Errorf("%s: expected valid, got %v", topic, err)
		}
	}
}

func TestPayloadValidatorRejectsMissingRequiredFields(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator: %v", err)
	}

	cases := map[string]string{
		TopicDownload:     `{"source_ref":"r1"}`,
		TopicUpload:       `{"local_path":"/tmp/a"}`,
		TopicMediaBatch:   `{"user_id":"u1"}`,
		TopicSystemEvents: `{}`,
	}
	for topic, body := range cases {
		if err := v.Validate(topic, []byte(body)); err == nil {
			t.Errorf("%s: expected validation failure for %s", topic, body)
		}
	}
}

func TestPayloadValidatorUnknownTopic(t *testing.T) {
	v, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("NewPayloadValidator: %v", err)
	}
	if err := v.Validate("nonsense", []byte(`{}`)); err != ErrUnknownTopic {
		t.Errorf("expected ErrUnknownTopic, got %v", err)
	}
}

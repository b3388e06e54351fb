package kernel

import "testing"

func TestEventPublishHandlerFansOutToSubscribers(t *testing.T) {
	k := newTestKernel(t)
	var got map[string]any
	k.eventBus.Subscribe("pack.installed", func(payload map[string]any) { got = payload }, "")

	_, err := k.handlers["kernel:event.publish"](map[string]any{
		"topic":   "pack.installed",
		"payload": map[string]any{"pack_id": "acme/pack"},
	}, Ctx{})
	if err != nil {
		t.Fatalf("kernel:event.publish: %v", err)
	}
	if got["pack_id"] != "acme/pack" {
		t.Fatalf("expected subscriber to observe the published payload, got %+v", got)
	}
}

func TestEventListSubscribersHandlerReflectsSubscriptions(t *testing.T) {
	k := newTestKernel(t)
	k.eventBus.Subscribe("topic", func(map[string]any) {}, "h1")

	result, err := k.handlers["kernel:event.list_subscribers"](nil, Ctx{})
	if err != nil {
		t.Fatalf("kernel:event.list_subscribers: %v", err)
	}
	subs, ok := result.(map[string][]string)
	if !ok || len(subs["topic"]) != 1 || subs["topic"][0] != "h1" {
		t.Fatalf("unexpected list_subscribers result: %+v", result)
	}
}

func TestSubscribePublishDeliversPayloadToHandler(t *testing.T) {
	bus := NewEventBus()
	var got map[string]any
	bus.Subscribe("pack.installed", func(payload map[string]any) { got = payload }, "")

	bus.Publish("pack.installed", map[string]any{"pack_id": "acme/pack"})

	if got["pack_id"] != "acme/pack" {
		t.Fatalf("expected handler to receive the published payload, got %+v", got)
	}
}

func TestSubscribeAutoGeneratesSequentialHandlerIDs(t *testing.T) {
	bus := NewEventBus()
	id1 := bus.Subscribe("topic", func(map[string]any) {}, "")
	id2 := bus.Subscribe("topic", func(map[string]any) {}, "")
	if id1 == id2 {
		t.Fatalf("expected distinct auto-generated ids, got %q and %q", id1, id2)
	}
	if id1 != "h1" || id2 != "h2" {
		t.Fatalf("expected sequential ids h1 and h2, got %q and %q", id1, id2)
	}
}

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	bus := NewEventBus()
	var order []int
	bus.Subscribe("topic", func(map[string]any) { order = append(order, 1) }, "")
	bus.Subscribe("topic", func(map[string]any) { order = append(order, 2) }, "")

	bus.Publish("topic", nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected subscribers invoked in subscription order, got %v", order)
	}
}

func TestPublishRecoversFromPanickingHandler(t *testing.T) {
	bus := NewEventBus()
	called := false
	bus.Subscribe("topic", func(map[string]any) { panic("boom") }, "first")
	bus.Subscribe("topic", func(map[string]any) { called = true }, "second")

	bus.Publish("topic", nil)

	if !called {
		t.Fatal("expected a later subscriber to still run after an earlier one panics")
	}
}

func TestUnsubscribeRemovesOnlyNamedHandler(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe("topic", func(map[string]any) {}, "keep")
	bus.Subscribe("topic", func(map[string]any) {}, "drop")

	if !bus.Unsubscribe("topic", "drop") {
		t.Fatal("expected Unsubscribe to report success")
	}
	subs := bus.ListSubscribers()
	if len(subs["topic"]) != 1 || subs["topic"][0] != "keep" {
		t.Fatalf("expected only %q to remain subscribed, got %v", "keep", subs["topic"])
	}
	if bus.Unsubscribe("topic", "drop") {
		t.Fatal("expected second unsubscribe of the same id to report no-op")
	}
}

func TestClearWithTopicRemovesOnlyThatTopic(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe("a", func(map[string]any) {}, "")
	bus.Subscribe("a", func(map[string]any) {}, "")
	bus.Subscribe("b", func(map[string]any) {}, "")

	removed := bus.Clear("a")
	if removed != 2 {
		t.Fatalf("expected 2 removed from topic a, got %d", removed)
	}
	subs := bus.ListSubscribers()
	if _, ok := subs["a"]; ok {
		t.Fatal("expected topic a to be gone entirely")
	}
	if len(subs["b"]) != 1 {
		t.Fatalf("expected topic b untouched, got %v", subs["b"])
	}
}

func TestClearWithoutTopicRemovesEverySubscriber(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe("a", func(map[string]any) {}, "")
	bus.Subscribe("b", func(map[string]any) {}, "")

	removed := bus.Clear("")
	if removed != 2 {
		t.Fatalf("expected 2 removed across all topics, got %d", removed)
	}
	if len(bus.ListSubscribers()) != 0 {
		t.Fatal("expected no subscribers left after a full clear")
	}
}

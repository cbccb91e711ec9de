package hub

import "pulse/model"

// Events adapts the hub to the aggregator's event sink.
type Events struct {
	Hub *Hub
}

func (e Events) StatusChanged(serviceID string, old, new model.Status) {
	e.Hub.Broadcast(ChannelServices, NewEvent(EventStatusChanged, map[string]string{
		"id":         serviceID,
		"old_status": string(old),
		"new_status": string(new),
	}))
}

func (e Events) CheckCompleted(r *model.CheckResult) {
	e.Hub.Broadcast(ChannelServices, NewEvent(EventCheckCompleted, map[string]any{
		"service_id":  r.ServiceID,
		"is_healthy":  r.Success,
		"latency_ms":  r.LatencyMs,
		"status_code": r.StatusCode,
		"error":       r.Error,
		"checked_at":  r.CheckedAt,
	}))
}

func (e Events) Alert(message string) {
	e.Hub.Broadcast(ChannelAlerts, NewEvent(EventAlertTriggered, map[string]string{
		"message": message,
	}))
}

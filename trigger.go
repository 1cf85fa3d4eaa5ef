package inngestgo

// Trigger describes the event(s) or schedule(s) that cause a function to
// run. A function may be triggered by more than one event name and/or a
// cron schedule; each contributes an independent TriggerItem.
type Trigger struct {
	items []TriggerItem
}

// TriggerItem is a single trigger: either an event (Event set) or a cron
// schedule (Cron set), never both.
type TriggerItem struct {
	Event      string
	Expression *string

	Cron string
}

// IsCron reports whether this item is a schedule trigger rather than an
// event trigger.
func (t TriggerItem) IsCron() bool {
	return t.Cron != ""
}

// Triggers returns the individual triggers that make up t.
func (t Trigger) Triggers() []TriggerItem {
	return t.items
}

// EventTrigger creates a Trigger that fires whenever an event matching name
// is received. An optional filter expression restricts which matching
// events actually invoke the function.
func EventTrigger(name string, expression *string) Trigger {
	return Trigger{items: []TriggerItem{{Event: name, Expression: expression}}}
}

// CronTrigger creates a Trigger that fires on the given cron schedule.
func CronTrigger(spec string) Trigger {
	return Trigger{items: []TriggerItem{{Cron: spec}}}
}

// MultiTrigger combines several triggers into one, so a function can react
// to any of several events and/or schedules.
func MultiTrigger(triggers ...Trigger) Trigger {
	var items []TriggerItem
	for _, t := range triggers {
		items = append(items, t.items...)
	}
	return Trigger{items: items}
}

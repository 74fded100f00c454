// Package automation provides the rule engine for FleetLink Core.
//
// A rule pairs a trigger with an optional condition and an action:
//
//	trigger    metric_change | schedule (cron) | device_offline
//	condition  always | metric | online | offline | status_equals | all | any | not
//	action     command (submitted to the router) | alert
//
// Rules fire on the rising edge of their condition for each target device
// and re-arm once it goes false. Rules marked level_triggered fire on every
// evaluation while the condition holds. Action fields are text/template
// strings rendered with TemplateData:
//
//	{"kind": "command", "action": "relay_on", "params": {"reason": "{{.Metric}} at {{.Value}}"}}
//
// # Key Types
//
//   - Rule: trigger, condition tree, action and flags
//   - Engine: in-memory rule set evaluated by the dispatch loop
//   - SQLiteRepository: persistence on the automation_rules table
//
// # Thread Safety
//
// Engine is not safe for concurrent use. The dispatch loop is its only
// caller; operator edits reach it through the loop's request queue.
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db.DB)
//	engine := automation.NewEngine(router, clientID)
//	engine.SetLogger(log)
//
//	stored, err := repo.List(ctx)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Load(stored); err != nil {
//	    log.Warn("some automation rules were skipped", "error", err)
//	}
package automation

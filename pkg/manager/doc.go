// Package manager advances transfer processes through their state machine.
//
// A Manager runs a claim loop that leases batches of processes needing
// attention, a pool of workers that advance each leased process by one step,
// and a result loop that applies provisioner outcomes as they arrive. Every
// step is persisted before any side effect it schedules is run, so a crash
// between the two leaves the process in a state the next claim can resume:
//
//	mgr, err := manager.New(cfg, manager.Dependencies{
//	    Store:        store,
//	    Generator:    generator,
//	    Provisioning: dispatcher,
//	    Requests:     requests,
//	    DataFlow:     dataFlow,
//	    Policies:     catalog,
//	    Addresses:    catalog,
//	    Evaluator:    engine,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
//
// Leases are compare-and-swap on the process version. Writes that lose the race
// are discarded and the process is picked up again by whoever holds it next.
package manager

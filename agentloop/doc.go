// Package agentloop runs the model-and-tools loop for one chat turn.
//
// A turn starts in the Inferring state: the model is called with the
// history, the system prompt and the tool catalog. If it requests tools,
// the loop moves to Executing, runs the calls concurrently against a
// sandboxed ExecutionEnvironment, appends the results to the history in
// call order and infers again. The turn is Done when a step requests no
// tools or when the step budget is spent.
//
// Every tool returns an Envelope; tool and sandbox failures are reported to
// the model as data and never end the turn.
//
//	root, _ := sandbox.New("/srv/files")
//	env := agentloop.NewLocalExecutionEnvironment(root)
//	loop := agentloop.NewLoop(client, agentloop.NewCoreToolRegistry(), env, agentloop.DefaultConfig(), logger)
//
//	emitter := agentloop.NewEventEmitter(uuid.NewString(), 0)
//	go func() {
//	    defer emitter.Close()
//	    loop.Run(ctx, []agentloop.Turn{agentloop.NewUserTurn("list my files")}, emitter)
//	}()
//	for event := range emitter.Events() {
//	    fmt.Println(event.Kind)
//	}
package agentloop

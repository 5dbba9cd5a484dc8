package loyalty

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("loyalty.service",
	fx.Provide(
		NewService,
		NewTask,
	),
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, task *Task) {
	mux.HandleFunc(TaskProcessOrder, task.HandleProcessOrder)
	mux.HandleFunc(TaskProcessRegistration, task.HandleProcessRegistration)
}

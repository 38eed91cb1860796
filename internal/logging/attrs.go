package logging

import "log/slog"

func ActID(id string) slog.Attr {
	return slog.String("act_id", id)
}

func SequenceID(id string) slog.Attr {
	return slog.String("sequence_id", id)
}

func StepID(id string) slog.Attr {
	return slog.String("step_id", id)
}

func GenerationID(id string) slog.Attr {
	return slog.String("generation_id", id)
}

func TriggerID(id string) slog.Attr {
	return slog.String("trigger_id", id)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Err(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

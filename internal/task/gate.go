package task

import "TaskWarden/internal/action"

// Classify 在任务创建时判定是否需要人工审批，结果一经写入不再重算。
// 三个条件满足任意一个即需要审批：
//   - 发起方显式请求审批；
//   - 任一 actionRef 在注册表中不存在（交给人工处置，而不是直接失败）；
//   - 任一已注册动作被策略标记为必须审批。
func Classify(registry *action.Registry, actionRefs []string, requested bool) bool {
	if requested {
		return true
	}
	for _, ref := range actionRefs {
		required, known := registry.RequiresApproval(ref)
		if !known || required {
			return true
		}
	}
	return false
}

// Package policy 集中放置资源归属与角色校验。
package policy

import (
	"strings"

	"aicareer/internal/errcode"
)

// AssertOwnership 要求请求者与资源所有者一致，任一为空同样拒绝。
// 管理员不在此处放行，管理接口通过 RequireRole 单独把关。
func AssertOwnership(requestingUserID, resourceOwnerID string) error {
	requester := strings.TrimSpace(requestingUserID)
	owner := strings.TrimSpace(resourceOwnerID)
	if requester == "" || owner == "" || requester != owner {
		return errcode.Denied()
	}
	return nil
}

// HasRole 判断角色是否在允许列表内。
func HasRole(role string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(role, a) {
			return true
		}
	}
	return false
}

// AssertRole 角色不满足时返回 FORBIDDEN。
func AssertRole(role string, allowed ...string) error {
	if !HasRole(role, allowed...) {
		return errcode.New(errcode.Forbidden, "insufficient role")
	}
	return nil
}

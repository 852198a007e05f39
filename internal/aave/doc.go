// Package aave 定义借贷协议的领域模型和服务接口。
package aave

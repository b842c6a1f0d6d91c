// Package keys 在运行期间向凭证池注入新密钥。
//
// 注入文件每行一个密钥，支持三种写法：
//
//	gemini:AIzaSy...
//	{"provider": "openai", "secret": "sk-..."}
//	AIzaSy...            （使用默认提供商）
//
// 以 ! 开头的行是针对已有凭证的运维指令，随下一次 Poll 执行：
//
//	!remove gemini-2
//	!reinstate gemini-1
//
// Manager 监听该文件，把新出现的密钥放入缓冲通道。调度器每提交一个批次调用一次
// Poll，密钥经 Prober 探测后注入凭证池。池中没有健康凭证时，Run 循环会立即注入，
// 不必等待下一个批次。
//
// AddToFile 供 qaforge keys add 使用：校验格式、按密钥去重，并以原子替换的方式写回文件。
// AppendDirective 供 qaforge keys remove / reinstate 使用。
package keys
